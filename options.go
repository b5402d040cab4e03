package tracklab

// Reinit selects what Init does when the session already has runs.
type Reinit string

const (
	// ReinitDefault returns the session's active run if one is running,
	// otherwise creates a new one.
	ReinitDefault Reinit = "default"
	// ReinitFinishPrevious finishes every unfinished run in the session
	// before creating a new one.
	ReinitFinishPrevious Reinit = "finish_previous"
	// ReinitCreateNew creates an independent run without touching the
	// session's current-run pointer.
	ReinitCreateNew Reinit = "create_new"
	// ReinitReturnPrevious returns the most recently created unfinished
	// run instead of creating one.
	ReinitReturnPrevious Reinit = "return_previous"
)

// InitOption configures one Init call.
type InitOption func(*initArgs)

type initArgs struct {
	project  string
	entity   string
	name     string
	notes    string
	group    string
	jobType  string
	id       string
	tags     []string
	config   map[string]any
	resume   Resume
	mode     Mode
	reinit   Reinit
	settings *Settings
}

// WithProject sets the run's project.
func WithProject(project string) InitOption {
	return func(a *initArgs) { a.project = project }
}

// WithEntity sets the run's entity (team or user namespace).
func WithEntity(entity string) InitOption {
	return func(a *initArgs) { a.entity = entity }
}

// WithName sets the run's display name.
func WithName(name string) InitOption {
	return func(a *initArgs) { a.name = name }
}

// WithNotes attaches free-form notes to the run.
func WithNotes(notes string) InitOption {
	return func(a *initArgs) { a.notes = notes }
}

// WithGroup places the run in a named group.
func WithGroup(group string) InitOption {
	return func(a *initArgs) { a.group = group }
}

// WithJobType labels the run's role within its group.
func WithJobType(jobType string) InitOption {
	return func(a *initArgs) { a.jobType = jobType }
}

// WithID fixes the run's identifier instead of generating one. Required
// for resuming.
func WithID(id string) InitOption {
	return func(a *initArgs) { a.id = id }
}

// WithTags sets the run's tags, order preserved.
func WithTags(tags ...string) InitOption {
	return func(a *initArgs) { a.tags = tags }
}

// WithConfig seeds the run's config document. Values layer over
// config-defaults.yaml.
func WithConfig(config map[string]any) InitOption {
	return func(a *initArgs) { a.config = config }
}

// WithResume selects the resume policy for the run ID.
func WithResume(resume Resume) InitOption {
	return func(a *initArgs) { a.resume = resume }
}

// WithMode overrides the session's mode for this run.
func WithMode(mode Mode) InitOption {
	return func(a *initArgs) { a.mode = mode }
}

// WithReinit selects the behavior when the session already has runs.
func WithReinit(reinit Reinit) InitOption {
	return func(a *initArgs) { a.reinit = reinit }
}

// WithSettings replaces the session's base settings for this run. The
// settings must not be frozen; other options still apply on top.
func WithSettings(s *Settings) InitOption {
	return func(a *initArgs) { a.settings = s }
}
