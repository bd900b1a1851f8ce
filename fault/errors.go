package fault

import (
	"errors"
	"fmt"
)

// Construct names a code pattern rejected by static validation.
type Construct string

const (
	ConstructDynamicEval    Construct = "dynamic-eval"
	ConstructProcess        Construct = "process"
	ConstructFilesystem     Construct = "filesystem"
	ConstructModule         Construct = "disallowed-module"
	ConstructBlockedPattern Construct = "blocked-pattern"
	ConstructSyntax         Construct = "syntax"
)

// Resource names an accounted resource.
type Resource string

const (
	ResourceMemory   Resource = "memory"
	ResourceTime     Resource = "execution-time"
	ResourceNetwork  Resource = "network"
	ResourceDatabase Resource = "database"
	ResourceFileSize Resource = "file-size"
)

// ManifestError reports a missing, unparsable or invalid descriptor.
type ManifestError struct {
	Path  string
	Field string
	Err   error
}

func (e *ManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest %v: field %v: %v", e.Path, e.Field, e.Err)
	}
	return fmt.Sprintf("manifest %v: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }
func (e *ManifestError) Code() Code    { return CodeManifestInvalid }

// CodeValidationError reports a construct not covered by the granted capabilities.
type CodeValidationError struct {
	Construct Construct
	Detail    string
	File      string
	Line      int
}

func (e *CodeValidationError) Error() string {
	return fmt.Sprintf("%v:%v: disallowed %v: %v", e.File, e.Line, e.Construct, e.Detail)
}

func (e *CodeValidationError) Code() Code {
	if e.Construct == ConstructBlockedPattern {
		return CodeBlockedPattern
	}
	return CodeCodePattern
}

// ResourceLimitError reports a breached ceiling.
// Fatal breaches tear the sandbox down, others fail only the current call.
type ResourceLimitError struct {
	Resource Resource
	Limit    int64
	Used     int64
	Fatal    bool
	Global   bool
}

func (e *ResourceLimitError) Error() string {
	scope := "sandbox"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%v %v limit exceeded: %v > %v", scope, e.Resource, e.Used, e.Limit)
}

func (e *ResourceLimitError) Code() Code {
	if e.Global && e.Resource != ResourceMemory {
		return CodeRateLimited
	}
	switch e.Resource {
	case ResourceMemory:
		return CodeMemoryLimit
	case ResourceTime:
		return CodeTimeLimit
	case ResourceNetwork:
		return CodeNetworkLimit
	case ResourceDatabase:
		return CodeDatabaseLimit
	case ResourceFileSize:
		return CodeFileSizeLimit
	}
	return CodeUnknown
}

// PermissionError reports use of a capability that was not granted.
type PermissionError struct {
	Capability string
	Op         string
	// Origin is set when the capability is granted but the target is not allowed.
	Origin string
}

func (e *PermissionError) Error() string {
	if e.Origin != "" {
		return fmt.Sprintf("%v: origin %v not allowed", e.Op, e.Origin)
	}
	return fmt.Sprintf("%v: capability %v not granted", e.Op, e.Capability)
}

func (e *PermissionError) Code() Code {
	if e.Origin != "" {
		return CodeOriginDenied
	}
	return CodePermissionDenied
}

// LifecycleConflictError rejects a duplicate id or an overlapping transition.
type LifecycleConflictError struct {
	ID        string
	Duplicate bool
	Reason    string
}

func (e *LifecycleConflictError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("plugin %v already exists", e.ID)
	}
	return fmt.Sprintf("plugin %v: %v", e.ID, e.Reason)
}

func (e *LifecycleConflictError) Code() Code {
	if e.Duplicate {
		return CodePluginExist
	}
	return CodeLifecycleConflict
}

// HookExecutionError isolates a failed handler call.
type HookExecutionError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookExecutionError) Error() string {
	return fmt.Sprintf("hook %v of plugin %v: %v", e.Hook, e.Plugin, e.Err)
}

func (e *HookExecutionError) Unwrap() error { return e.Err }
func (e *HookExecutionError) Code() Code    { return CodeHookFailed }

// SettingError rejects a settings value before it is stored or forwarded.
type SettingError struct {
	Key    string
	Reason string
}

func (e *SettingError) Error() string {
	return fmt.Sprintf("setting %v: %v", e.Key, e.Reason)
}

func (e *SettingError) Code() Code { return CodeSettingInvalid }

// LoadError reports plugin code that could not be turned into a module.
type LoadError struct {
	ID     string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load plugin %v: %v: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("load plugin %v: %v", e.ID, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }
func (e *LoadError) Code() Code    { return CodeLoadFailed }

// NotFoundError reports an unknown plugin id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("plugin %v not found", e.ID) }
func (e *NotFoundError) Code() Code    { return CodePluginNotFound }

// ErrSandboxUnavailable is returned for calls into an absent or destroyed sandbox.
var ErrSandboxUnavailable = &sandboxError{}

type sandboxError struct{}

func (*sandboxError) Error() string { return "sandbox unavailable" }
func (*sandboxError) Code() Code    { return CodeSandboxUnavailable }

// IsTimeout reports whether err was caused by an execution time ceiling.
func IsTimeout(err error) bool {
	var e *ResourceLimitError
	return errors.As(err, &e) && e.Resource == ResourceTime
}

// IsFatal reports whether err tears down the sandbox.
func IsFatal(err error) bool {
	var e *ResourceLimitError
	return errors.As(err, &e) && e.Fatal
}
