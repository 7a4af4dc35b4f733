package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// WriteJSON encodes the report as indented JSON. Non-finite statistics are
// encoded as strings.
func WriteJSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WriteText renders the report in the order the tests run.
func WriteText(w io.Writer, rep *Report) error {
	var b strings.Builder
	if rep.Source != "" {
		fmt.Fprintf(&b, "Run log: %s (%d rows)\n", rep.Source, rep.Rows)
	} else {
		fmt.Fprintf(&b, "Run log: %d rows\n", rep.Rows)
	}
	if len(rep.DroppedSubjects) > 0 {
		fmt.Fprintf(&b, "Dropped incomplete trials: %v\n", rep.DroppedSubjects)
	}

	a := rep.Anova
	b.WriteString("\n=== Repeated-measures ANOVA (parameter_efficiency_loss ~ token_count | trial_number) ===\n")
	fmt.Fprintf(&b, "F(%d, %d) = %.4f, p = %.4g\n", a.DFCondition, a.DFError, a.F, a.P)
	if rep.Significant {
		fmt.Fprintf(&b, "Significant effect of token count (p < %g): proceed with post-hoc tests.\n", rep.Alpha)
	} else {
		fmt.Fprintf(&b, "No significant effect of token count (p >= %g): post-hoc tests may be unnecessary.\n", rep.Alpha)
	}

	b.WriteString("\n=== Descriptive statistics by token_count ===\n")
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "token_count\tn\tmean\tstd\tmin\tmax")
	for _, g := range rep.Descriptives {
		d := g.Descriptive
		fmt.Fprintf(tw, "%d\t%d\t%.6g\t%.6g\t%.6g\t%.6g\n", g.TokenCount, d.N, d.Mean, d.Std, d.Min, d.Max)
	}
	tw.Flush()

	b.WriteString("\n=== Paired t-tests (Bonferroni) ===\n")
	if rep.PosthocSkipped {
		b.WriteString("Skipped: the ANOVA was not significant.\n")
	} else {
		tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "a\tb\tt\tdf\tp\tp_bonf\treject")
		for _, c := range rep.Comparisons {
			fmt.Fprintf(tw, "%d\t%d\t%.4f\t%g\t%.4g\t%.4g\t%s\n", c.A, c.B, c.Test.T, c.Test.DF, c.Test.P, c.Corrected, yesNo(c.Reject))
		}
		tw.Flush()
	}

	b.WriteString("\n=== Shapiro-Wilk normality by token_count ===\n")
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "token_count\tW\tp\tnormal")
	for _, g := range rep.Normality {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4g\t%s\n", g.TokenCount, g.Normality.W, g.Normality.P, yesNo(g.Normality.Normal))
	}
	tw.Flush()

	b.WriteString("\n=== Detailed repeated-measures ANOVA ===\n")
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "source\tSS\tDF\tMS\tF\tp-unc\tng2\teps\tp-GG-corr")
	fmt.Fprintf(tw, "token_count\t%.6g\t%d\t%.6g\t%.4f\t%.4g\t%.4f\t%.4f\t%.4g\n",
		a.SSCondition, a.DFCondition, a.MSCondition, a.F, a.P, a.GeneralizedEtaSquared, a.EpsilonGG, a.PGG)
	fmt.Fprintf(tw, "trial_number\t%.6g\t%d\t%.6g\t\t\t\t\t\n", a.SSSubject, a.DFSubject, a.MSSubject)
	fmt.Fprintf(tw, "error\t%.6g\t%d\t%.6g\t\t\t\t\t\n", a.SSError, a.DFError, a.MSError)
	tw.Flush()

	s := rep.Sphericity
	b.WriteString("\n=== Mauchly's test of sphericity ===\n")
	fmt.Fprintf(&b, "W = %.4f, chi2 = %.4f, dof = %g, p = %.4g, spherical: %s\n", s.W, s.Chi2, s.DOF, s.P, yesNo(s.Spherical))

	_, err := io.WriteString(w, b.String())
	return err
}
