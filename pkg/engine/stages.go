package engine

// Board statuses the daemon watches. Items move left to right; Done is
// terminal and Backlog is where fresh items start.
const (
	StatusBacklog   = "Backlog"
	StatusResearch  = "Research"
	StatusPlan      = "Plan"
	StatusImplement = "Implement"
	StatusInReview  = "In Review"
	StatusDone      = "Done"
)

// Labels the daemon owns. Running and failure markers are per stage;
// loom:yolo opts a ticket into auto-progression.
const (
	LabelResearching     = "loom:researching"
	LabelResearchDone    = "loom:research-done"
	LabelResearchFailed  = "loom:research-failed"
	LabelPlanning        = "loom:planning"
	LabelPlanDone        = "loom:plan-done"
	LabelPlanFailed      = "loom:plan-failed"
	LabelImplementing    = "loom:implementing"
	LabelImplementFailed = "loom:implement-failed"
	LabelYOLO            = "loom:yolo"
	LabelYOLOFailed      = "loom:yolo-failed"
	LabelPreparing       = "loom:preparing"
	LabelCleaned         = "loom:cleaned"
	LabelReset           = "loom:reset"
)

// StageConfig is one row of the static per-stage table: the markers a
// stage uses and where its success sends the item.
type StageConfig struct {
	Name          string
	RunningLabel  string
	CompleteLabel string // "" when the stage has no completion marker
	FailedLabel   string
	NextStatus    string // "" when a human (or YOLO) advances the item
}

// stageConfigs maps a board status to the stage triggered in it.
var stageConfigs = map[string]StageConfig{ //nolint:gochecknoglobals // static table
	StatusResearch: {
		Name:          "Research",
		RunningLabel:  LabelResearching,
		CompleteLabel: LabelResearchDone,
		FailedLabel:   LabelResearchFailed,
	},
	StatusPlan: {
		Name:          "Plan",
		RunningLabel:  LabelPlanning,
		CompleteLabel: LabelPlanDone,
		FailedLabel:   LabelPlanFailed,
	},
	StatusImplement: {
		Name:         "Implement",
		RunningLabel: LabelImplementing,
		FailedLabel:  LabelImplementFailed,
		NextStatus:   StatusInReview,
	},
}

// StageFor returns the stage configured for a board status.
func StageFor(status string) (StageConfig, bool) {
	cfg, ok := stageConfigs[status]
	return cfg, ok
}

// autoProgression maps a status whose stage is complete to the status YOLO
// advances it into. Backlog -> Research is the scheduler's bootstrap pass,
// not part of this table.
var autoProgression = map[string]string{ //nolint:gochecknoglobals // static table
	StatusResearch: StatusPlan,
	StatusPlan:     StatusImplement,
}
