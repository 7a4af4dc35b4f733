package stats

import (
	"encoding/json"
	"math"
	"strconv"
)

// num renders non-finite floats as strings ("NaN", "+Inf", "-Inf"), which
// encoding/json would otherwise refuse.
func num(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}

func (d Descriptive) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"n": d.N, "mean": num(d.Mean), "std": num(d.Std), "min": num(d.Min), "max": num(d.Max),
	})
}

func (t TTest) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"t": num(t.T), "df": num(t.DF), "p": num(t.P)})
}

func (a Anova) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"subjects":        a.Subjects,
		"conditions":      a.Conditions,
		"ss_condition":    num(a.SSCondition),
		"ss_subject":      num(a.SSSubject),
		"ss_error":        num(a.SSError),
		"df_condition":    a.DFCondition,
		"df_subject":      a.DFSubject,
		"df_error":        a.DFError,
		"ms_condition":    num(a.MSCondition),
		"ms_subject":      num(a.MSSubject),
		"ms_error":        num(a.MSError),
		"f":               num(a.F),
		"p":               num(a.P),
		"eta_squared_gen": num(a.GeneralizedEtaSquared),
		"epsilon_gg":      num(a.EpsilonGG),
		"p_gg_corrected":  num(a.PGG),
	})
}

func (s Sphericity) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"spherical": s.Spherical, "w": num(s.W), "chi2": num(s.Chi2), "dof": s.DOF, "p": num(s.P),
	})
}

func (n Normality) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"w": num(n.W), "p": num(n.P), "normal": n.Normal})
}
