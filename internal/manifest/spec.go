// SPDX-License-Identifier: AGPL-3.0-or-later
package manifest

import "fmt"

// Action type discriminants. The set is closed: the validator rejects
// anything else before a job starts.
const (
	ActionCommand           = "command"
	ActionBackup            = "backup"
	ActionRestoreBackup     = "restore_backup"
	ActionDockerComposeDown = "docker_compose_down"
	ActionDockerComposeUp   = "docker_compose_up"
	ActionDockerLoad        = "docker_load"
	ActionDockerPrune       = "docker_prune"
	ActionFileCopy          = "file_copy"
	ActionFileSync          = "file_sync"
	ActionFileMerge         = "file_merge"
)

// Check type discriminants.
const (
	CheckDiskSpace      = "disk_space"
	CheckDockerRunning  = "docker_running"
	CheckFileExists     = "file_exists"
	CheckDockerHealth   = "docker_health"
	CheckHTTP           = "http_check"
	CheckServiceRunning = "service_running"
	CheckCommand        = "command"
)

// Sync modes for file_sync.
const (
	SyncMirror            = "mirror"
	SyncAddOnly           = "add_only"
	SyncOverwriteExisting = "overwrite_existing"
)

// Merge strategies for file_merge.
const (
	MergeKeepExisting = "keep_existing"
	MergeOverwriteAll = "overwrite_all"
	MergeKeys         = "merge_keys"
)

// ActionSpec is one declared side-effecting step. The Type discriminant
// selects the handler; the remaining fields are variant-specific and only
// the ones the variant names are consulted.
type ActionSpec struct {
	Type            string `yaml:"type"`
	Name            string `yaml:"name,omitempty"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty"`

	// command
	Command string `yaml:"command,omitempty"`
	Cwd     string `yaml:"cwd,omitempty"`
	Timeout int    `yaml:"timeout,omitempty"` // seconds; also compose down grace

	// backup
	Sources []string `yaml:"sources,omitempty"`

	// restore_backup
	BackupName string `yaml:"backup_name,omitempty"`

	// docker_compose_down / docker_compose_up
	ComposeFile string `yaml:"compose_file,omitempty"`
	Detach      *bool  `yaml:"detach,omitempty"`
	Build       bool   `yaml:"build,omitempty"`

	// docker_load
	ImageTar string `yaml:"image_tar,omitempty"`

	// docker_prune
	All   bool  `yaml:"all,omitempty"`
	Force *bool `yaml:"force,omitempty"`

	// file_copy / file_sync / file_merge
	Source      string `yaml:"source,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Checksum    string `yaml:"checksum,omitempty"`
	Mode        string `yaml:"mode,omitempty"`
	Strategy    string `yaml:"strategy,omitempty"`
}

// Label is the human name used in progress events and logs.
func (a ActionSpec) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Type
}

// CommandTimeout returns the command timeout in seconds with the default
// applied.
func (a ActionSpec) CommandTimeout() int {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 300
}

// ComposeDownTimeout returns the stop grace period for compose down.
func (a ActionSpec) ComposeDownTimeout() int {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 60
}

// DetachOrDefault defaults compose up to detached.
func (a ActionSpec) DetachOrDefault() bool {
	if a.Detach == nil {
		return true
	}
	return *a.Detach
}

// ForceOrDefault defaults docker_prune to forced (non-interactive).
func (a ActionSpec) ForceOrDefault() bool {
	if a.Force == nil {
		return true
	}
	return *a.Force
}

// SyncMode returns the file_sync mode with the default applied.
func (a ActionSpec) SyncMode() string {
	if a.Mode != "" {
		return a.Mode
	}
	return SyncMirror
}

// MergeStrategy returns the file_merge strategy with the default applied.
func (a ActionSpec) MergeStrategy() string {
	if a.Strategy != "" {
		return a.Strategy
	}
	return MergeKeepExisting
}

// RestoreTarget returns the backup_name with the default applied.
func (a ActionSpec) RestoreTarget() string {
	if a.BackupName != "" {
		return a.BackupName
	}
	return "latest"
}

func (a *ActionSpec) validate() error {
	switch a.Type {
	case ActionCommand:
		if a.Command == "" {
			return fmt.Errorf("command action requires command")
		}
	case ActionBackup:
		if len(a.Sources) == 0 {
			return fmt.Errorf("backup action requires sources")
		}
	case ActionRestoreBackup:
		// backup_name defaults to "latest"
	case ActionDockerComposeDown, ActionDockerComposeUp:
		if a.ComposeFile == "" {
			return fmt.Errorf("%s action requires compose_file", a.Type)
		}
	case ActionDockerLoad:
		if a.ImageTar == "" {
			return fmt.Errorf("docker_load action requires image_tar")
		}
	case ActionDockerPrune:
	case ActionFileCopy:
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_copy action requires source and destination")
		}
	case ActionFileSync:
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_sync action requires source and destination")
		}
		switch a.SyncMode() {
		case SyncMirror, SyncAddOnly, SyncOverwriteExisting:
		default:
			return fmt.Errorf("unknown sync mode %q", a.Mode)
		}
	case ActionFileMerge:
		if a.Source == "" || a.Destination == "" {
			return fmt.Errorf("file_merge action requires source and destination")
		}
		switch a.MergeStrategy() {
		case MergeKeepExisting, MergeOverwriteAll, MergeKeys:
		default:
			return fmt.Errorf("unknown merge strategy %q", a.Strategy)
		}
	case "":
		return fmt.Errorf("action type is required")
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// CheckSpec is one declared pre- or post-condition probe.
type CheckSpec struct {
	Type string `yaml:"type"`
	Name string `yaml:"name,omitempty"`

	// disk_space
	Path       string `yaml:"path,omitempty"` // also file_exists
	RequiredMB int    `yaml:"required_mb,omitempty"`

	// docker_health
	ContainerName string `yaml:"container_name,omitempty"`
	ContainerID   string `yaml:"container_id,omitempty"`

	// http_check
	URL            string `yaml:"url,omitempty"`
	Retries        int    `yaml:"retries,omitempty"`
	Delay          int    `yaml:"delay,omitempty"`   // seconds between attempts
	Timeout        int    `yaml:"timeout,omitempty"` // seconds; also command
	ExpectedStatus int    `yaml:"expected_status,omitempty"`

	// service_running
	ServiceName string `yaml:"service_name,omitempty"`

	// command
	Command string `yaml:"command,omitempty"`
}

// Label is the human name used in progress events and logs.
func (c CheckSpec) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

// HTTPRetries returns the retry count with the default applied.
func (c CheckSpec) HTTPRetries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return 1
}

// HTTPDelay returns the inter-attempt delay in seconds with the default.
func (c CheckSpec) HTTPDelay() int {
	if c.Delay > 0 {
		return c.Delay
	}
	return 5
}

// HTTPTimeout returns the per-request timeout in seconds with the default.
func (c CheckSpec) HTTPTimeout() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10
}

// HTTPExpectedStatus returns the expected status code with the default.
func (c CheckSpec) HTTPExpectedStatus() int {
	if c.ExpectedStatus > 0 {
		return c.ExpectedStatus
	}
	return 200
}

// CommandTimeout returns the check-command timeout in seconds.
func (c CheckSpec) CommandTimeout() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30
}

// Container returns whichever container reference the spec carries.
func (c CheckSpec) Container() string {
	if c.ContainerName != "" {
		return c.ContainerName
	}
	return c.ContainerID
}

func (c *CheckSpec) validate() error {
	switch c.Type {
	case CheckDiskSpace:
		if c.Path == "" || c.RequiredMB <= 0 {
			return fmt.Errorf("disk_space check requires path and required_mb")
		}
	case CheckDockerRunning:
	case CheckFileExists:
		if c.Path == "" {
			return fmt.Errorf("file_exists check requires path")
		}
	case CheckDockerHealth:
		if c.Container() == "" {
			return fmt.Errorf("docker_health check requires container_name or container_id")
		}
	case CheckHTTP:
		if c.URL == "" {
			return fmt.Errorf("http_check requires url")
		}
	case CheckServiceRunning:
		if c.ServiceName == "" {
			return fmt.Errorf("service_running check requires service_name")
		}
	case CheckCommand:
		if c.Command == "" {
			return fmt.Errorf("command check requires command")
		}
	case "":
		return fmt.Errorf("check type is required")
	default:
		return fmt.Errorf("unknown check type %q", c.Type)
	}
	return nil
}
