package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// SimulationConfig is the declared schema of the configuration document
// consumed by the external model. Only the sections the platform edits are
// typed; anything else in the document is passed through untouched.
type SimulationConfig struct {
	StartDate     string              `json:"start_date,omitempty"`
	EndDate       string              `json:"end_date,omitempty"`
	BackendEngine string              `json:"backend_engine,omitempty"`
	Simulation    *SimulationSection  `json:"simulation,omitempty"`
	Data          *DataSection        `json:"data,omitempty"`
	Epidemic      *EpidemicParams     `json:"epidemic_params,omitempty"`
	Population    *PopulationParams   `json:"population_params,omitempty"`
	Vaccination   *VaccinationSection `json:"vaccination,omitempty"`
	NPI           *NPISection         `json:"NPI,omitempty"`
}

type SimulationSection struct {
	StartDate      string       `json:"start_date,omitempty"`
	EndDate        string       `json:"end_date,omitempty"`
	SaveFullOutput *bool        `json:"save_full_output,omitempty"`
	SaveTimeStep   *WholeNumber `json:"save_time_step,omitempty"`
	OutputFolder   string       `json:"output_folder,omitempty"`
	OutputFormat   string       `json:"output_format,omitempty"`
}

type DataSection struct {
	InitialConditionFilename   string `json:"initial_condition_filename,omitempty"`
	MetapopulationDataFilename string `json:"metapopulation_data_filename,omitempty"`
	MobilityMatrixFilename     string `json:"mobility_matrix_filename,omitempty"`
	Kappa0Filename             string `json:"kappa0_filename,omitempty"`
}

type EpidemicParams struct {
	ScaleBeta       *float64  `json:"scale_β,omitempty"`
	BetaA           *float64  `json:"βᴬ,omitempty"`
	BetaI           *float64  `json:"βᴵ,omitempty"`
	Eta             []float64 `json:"ηᵍ,omitempty"`
	Alpha           []float64 `json:"αᵍ,omitempty"`
	Mu              []float64 `json:"μᵍ,omitempty"`
	Theta           []float64 `json:"θᵍ,omitempty"`
	Gamma           []float64 `json:"γᵍ,omitempty"`
	Zeta            []float64 `json:"ζᵍ,omitempty"`
	Lambda          []float64 `json:"λᵍ,omitempty"`
	Omega           []float64 `json:"ωᵍ,omitempty"`
	Psi             []float64 `json:"ψᵍ,omitempty"`
	Chi             []float64 `json:"χᵍ,omitempty"`
	CapLambda       *float64  `json:"Λ,omitempty"`
	CapGamma        *float64  `json:"Γ,omitempty"`
	RV              []float64 `json:"rᵥ,omitempty"`
	KV              []float64 `json:"kᵥ,omitempty"`
	RiskReductionDD *float64  `json:"risk_reduction_dd,omitempty"`
	RiskReductionH  *float64  `json:"risk_reduction_h,omitempty"`
	RiskReductionD  *float64  `json:"risk_reduction_d,omitempty"`
}

type PopulationParams struct {
	GLabels []string    `json:"G_labels,omitempty"`
	C       [][]float64 `json:"C,omitempty"`
	K       []float64   `json:"kᵍ,omitempty"`
	KH      []float64   `json:"kᵍ_h,omitempty"`
	KW      []float64   `json:"kᵍ_w,omitempty"`
	P       []float64   `json:"pᵍ,omitempty"`
	Xi      *float64    `json:"ξ,omitempty"`
	Sigma   *float64    `json:"σ,omitempty"`
}

type VaccinationSection struct {
	Epsilon                []float64    `json:"ϵᵍ,omitempty"`
	PercentageOfVaccPerDay *float64     `json:"percentage_of_vacc_per_day,omitempty"`
	StartVacc              *WholeNumber `json:"start_vacc,omitempty"`
	DurVacc                *WholeNumber `json:"dur_vacc,omitempty"`
	AreThereVaccines       *bool        `json:"are_there_vaccines,omitempty"`
}

type NPISection struct {
	Kappa0s     []float64     `json:"κ₀s,omitempty"`
	Phis        []float64     `json:"φs,omitempty"`
	Deltas      []float64     `json:"δs,omitempty"`
	Timesteps   []WholeNumber `json:"tₜs,omitempty"`
	AreThereNPI *bool         `json:"are_there_npi,omitempty"`
}

// WholeNumber is an integer field that also accepts integral float literals
// such as 5.0, which JSON writers emit for numbers stored as floats.
type WholeNumber int64

func (n *WholeNumber) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return fmt.Errorf("%s is not a whole number", data)
	}
	*n = WholeNumber(f)
	return nil
}

// ParseSimulationConfig decodes and validates a configuration document.
func ParseSimulationConfig(doc []byte) (SimulationConfig, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return SimulationConfig{}, Inputf(string(MemberConfig), "is required")
	}
	if trimmed[0] != '{' {
		return SimulationConfig{}, Inputf(string(MemberConfig), "must be a JSON object")
	}
	var cfg SimulationConfig
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&cfg); err != nil {
		return SimulationConfig{}, &InputError{Member: string(MemberConfig), Reason: "invalid JSON", Err: err}
	}
	if dec.More() {
		return SimulationConfig{}, Inputf(string(MemberConfig), "unexpected trailing data")
	}
	if err := cfg.Validate(); err != nil {
		return SimulationConfig{}, err
	}
	return cfg, nil
}

// Period returns the effective simulation window. Top-level dates override
// the simulation section.
func (c SimulationConfig) Period() (string, string) {
	start, end := c.StartDate, c.EndDate
	if c.Simulation != nil {
		if start == "" {
			start = c.Simulation.StartDate
		}
		if end == "" {
			end = c.Simulation.EndDate
		}
	}
	return strings.TrimSpace(start), strings.TrimSpace(end)
}

// Days is the inclusive number of simulated days, or 0 when the window is
// not fully specified.
func (c SimulationConfig) Days() int {
	start, end := c.Period()
	if start == "" || end == "" {
		return 0
	}
	s, err1 := time.Parse(dateLayout, start)
	e, err2 := time.Parse(dateLayout, end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}

func (c SimulationConfig) Validate() error {
	start, end := c.Period()
	var startAt, endAt time.Time
	var err error
	if start != "" {
		if startAt, err = time.Parse(dateLayout, start); err != nil {
			return Inputf(string(MemberConfig), "start_date %q is not YYYY-MM-DD", start)
		}
	}
	if end != "" {
		if endAt, err = time.Parse(dateLayout, end); err != nil {
			return Inputf(string(MemberConfig), "end_date %q is not YYYY-MM-DD", end)
		}
	}
	if start != "" && end != "" && endAt.Before(startAt) {
		return Inputf(string(MemberConfig), "end_date %s is before start_date %s", end, start)
	}
	if engine := strings.TrimSpace(c.BackendEngine); engine != "" {
		if !Backend(engine).Valid() {
			return Inputf(string(MemberConfig), "backend_engine %q is not supported", engine)
		}
	}
	if c.Simulation != nil && c.Simulation.SaveTimeStep != nil && *c.Simulation.SaveTimeStep < 0 {
		return Inputf(string(MemberConfig), "simulation.save_time_step must be >= 0")
	}
	if c.Vaccination != nil {
		if v := c.Vaccination; v.DurVacc != nil && *v.DurVacc < 0 {
			return Inputf(string(MemberConfig), "vaccination.dur_vacc must be >= 0")
		}
	}
	if c.NPI != nil {
		n := c.NPI
		if len(n.Kappa0s) != len(n.Timesteps) && len(n.Timesteps) > 0 {
			return Inputf(string(MemberConfig), "NPI.κ₀s has %d entries but NPI.tₜs has %d", len(n.Kappa0s), len(n.Timesteps))
		}
	}
	return nil
}
