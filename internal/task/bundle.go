package task

// Bundle is what an execution delegate hands back: the files it produced and
// any structured metrics it measured. The scheduler never looks further into
// how the work was done.
type Bundle struct {
	Outputs []string           `json:"outputs"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Log     string             `json:"-"`
}
