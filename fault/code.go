package fault

import "errors"

// Code is the stable numbered error code surfaced to callers.
// Values are part of the public surface, append only.
type Code int32

const (
	CodeOK Code = iota
	CodeUnknown
	CodePluginNotFound
	CodePluginExist
	CodeManifestInvalid
	CodeLoadFailed
	CodeCodePattern
	CodeBlockedPattern
	CodePermissionDenied
	CodeOriginDenied
	CodeRateLimited
	CodeMemoryLimit
	CodeTimeLimit
	CodeNetworkLimit
	CodeDatabaseLimit
	CodeFileSizeLimit
	CodeLifecycleConflict
	CodeHookFailed
	CodeSettingInvalid
	CodeSandboxUnavailable

	CodeMax
)

// CodeMsg holds the message id of every code, indexed by code.
var CodeMsg = [CodeMax]string{
	"code.ok",
	"code.unknown",
	"code.plugin.notfound",
	"code.plugin.exist",
	"code.manifest.invalid",
	"code.plugin.loadfailed",
	"code.pattern.code",
	"code.pattern.blocked",
	"code.permission.denied",
	"code.permission.origin",
	"code.ratelimit",
	"code.limit.memory",
	"code.limit.time",
	"code.limit.network",
	"code.limit.database",
	"code.limit.filesize",
	"code.lifecycle.conflict",
	"code.hook.failed",
	"code.setting.invalid",
	"code.sandbox.unavailable",
}

// Category groups codes for callers classifying rejections.
type Category string

const (
	CategoryNone       Category = ""
	CategoryOrigin     Category = "origin"
	CategoryPermission Category = "permission"
	CategoryRateLimit  Category = "rate-limit"
	CategoryPattern    Category = "code-pattern"
	CategoryResource   Category = "resource-limit"
	CategoryManifest   Category = "manifest"
	CategoryLifecycle  Category = "lifecycle"
	CategoryHook       Category = "hook"
	CategorySetting    Category = "settings"
)

func (c Code) MsgID() string {
	if c < 0 || c >= CodeMax {
		return CodeMsg[CodeUnknown]
	}
	return CodeMsg[c]
}

func (c Code) Category() Category {
	switch c {
	case CodeOriginDenied:
		return CategoryOrigin
	case CodePermissionDenied:
		return CategoryPermission
	case CodeRateLimited:
		return CategoryRateLimit
	case CodeCodePattern, CodeBlockedPattern:
		return CategoryPattern
	case CodeMemoryLimit, CodeTimeLimit, CodeNetworkLimit, CodeDatabaseLimit, CodeFileSizeLimit:
		return CategoryResource
	case CodeManifestInvalid:
		return CategoryManifest
	case CodePluginNotFound, CodePluginExist, CodeLoadFailed, CodeLifecycleConflict, CodeSandboxUnavailable:
		return CategoryLifecycle
	case CodeHookFailed:
		return CategoryHook
	case CodeSettingInvalid:
		return CategorySetting
	}
	return CategoryNone
}

type coder interface {
	Code() Code
}

// CodeOf returns the code of the first coded error in the chain.
// nil maps to CodeOK, uncoded errors to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeUnknown
}
