package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/utils"
	"github.com/MXWXZ/plugd/validator"

	"github.com/google/uuid"
	"github.com/ztrue/tracerr"
)

type ExecOptions struct {
	Timeout  time.Duration // zero means the sandbox ceiling
	Language manifest.Language
}

type result struct {
	v   any
	err error
}

// run executes fn inside sb with the effective deadline and charges elapsed time.
// final calls are admitted while the sandbox drains.
func (f *Factory) run(ctx context.Context, sb *Sandbox, timeout time.Duration, final bool, fn func(context.Context) (any, error)) (any, error) {
	if err := sb.enter(final); err != nil {
		return nil, err
	}
	defer sb.inflight.Done()

	sb.call.Lock()
	defer sb.call.Unlock()

	limit := utils.MinPositive(timeout, sb.limits.MaxExecutionTime)
	var cctx context.Context
	var cancel context.CancelFunc
	if limit > 0 {
		cctx, cancel = context.WithTimeout(ctx, limit)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sb.mu.Lock()
	rt := sb.rt
	sb.ctx = cctx
	sb.mu.Unlock()

	sb.acct.BeginWindow(sb.uid)
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("plugin panic: %v", r)}
			}
		}()
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()

	var res result
	expired := false
	select {
	case res = <-done:
	case <-cctx.Done():
		expired = true
		if rt != nil && rt.cancellable() {
			<-done
		}
	}
	elapsed := time.Since(start)
	sb.acct.Charge(sb.uid, fault.ResourceTime, elapsed.Milliseconds())

	if expired || (res.err != nil && cctx.Err() != nil) {
		if !errors.Is(cctx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
			res = result{err: cctx.Err()}
		} else {
			res = result{err: &fault.ResourceLimitError{
				Resource: fault.ResourceTime,
				Limit:    limit.Milliseconds(),
				Used:     elapsed.Milliseconds(),
			}}
		}
	}
	if err := sb.fatalErr(); err != nil {
		f.fatal(sb.id, sb, err)
		return nil, err
	}
	return res.v, res.err
}

func (f *Factory) lookup(id string) (*Sandbox, error) {
	sb, ok := f.sandboxes.Get(id)
	if !ok {
		return nil, fault.ErrSandboxUnavailable
	}
	return sb, nil
}

// Execute evaluates a code snippet in the sandbox of id under its limits.
// The snippet passes the same static validation as plugin files.
func (f *Factory) Execute(ctx context.Context, id string, code string, opts ExecOptions) (any, error) {
	sb, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	lang := opts.Language
	if lang == "" {
		sb.mu.Lock()
		lang = sb.lang
		sb.mu.Unlock()
		if lang == "" {
			lang = manifest.LanguageGo
		}
	}
	if err := validator.Validate(lang, []byte(code), sb.caps, sb.rules); err != nil {
		return nil, err
	}
	rt, err := sb.runtimeFor(lang)
	if err != nil {
		return nil, err
	}
	return f.run(ctx, sb, opts.Timeout, false, func(ctx context.Context) (any, error) {
		return rt.eval(ctx, code)
	})
}

// LoadPluginFile size-checks, validates and evaluates a plugin file,
// returning the module it exports.
func (f *Factory) LoadPluginFile(ctx context.Context, id string, path string) (*Module, error) {
	sb, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	lang, ok := manifest.LanguageOf(path)
	if !ok {
		return nil, &fault.LoadError{ID: id, Reason: "unsupported entry file " + filepath.Base(path)}
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, &fault.LoadError{ID: id, Reason: "read entry file", Err: tracerr.Wrap(err)}
	}
	if err := sb.Charge(fault.ResourceFileSize, st.Size()); err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &fault.LoadError{ID: id, Reason: "read entry file", Err: tracerr.Wrap(err)}
	}

	rules := sb.rules
	rules.File = filepath.Base(path)
	if err := validator.Validate(lang, src, sb.caps, rules); err != nil {
		return nil, err
	}
	rt, err := sb.runtimeFor(lang)
	if err != nil {
		return nil, err
	}
	v, err := f.run(ctx, sb, f.opts.LoadTimeout, false, func(ctx context.Context) (any, error) {
		return rt.load(ctx, rules.File, src)
	})
	if err != nil {
		var le *fault.LoadError
		if errors.As(err, &le) || fault.CodeOf(err) != fault.CodeUnknown {
			return nil, err
		}
		return nil, &fault.LoadError{ID: id, Reason: "evaluate " + rules.File, Err: err}
	}
	mod := v.(*Module)
	mod.Instance = sb.uid
	return mod, nil
}

// Call invokes a module function in the sandbox of id.
// The effective timeout is the smaller of timeout and the sandbox ceiling.
func (f *Factory) Call(ctx context.Context, id string, fn Func, timeout time.Duration, args ...any) (any, error) {
	return f.CallIn(ctx, id, uuid.Nil, fn, timeout, args...)
}

// CallIn is Call bound to one sandbox instance, usually Module.Instance.
// Once that instance is gone the call fails with ErrSandboxUnavailable
// instead of running in its successor. uuid.Nil matches any instance.
// Arguments and the result are charged as memory while the call runs.
func (f *Factory) CallIn(ctx context.Context, id string, instance uuid.UUID, fn Func, timeout time.Duration, args ...any) (any, error) {
	return f.call(ctx, id, instance, fn, timeout, false, args...)
}

// Finalize is CallIn for the last call into a drained sandbox, typically cleanup.
func (f *Factory) Finalize(ctx context.Context, id string, instance uuid.UUID, fn Func, timeout time.Duration, args ...any) (any, error) {
	return f.call(ctx, id, instance, fn, timeout, true, args...)
}

func (f *Factory) call(ctx context.Context, id string, instance uuid.UUID, fn Func, timeout time.Duration, final bool, args ...any) (any, error) {
	if fn == nil {
		return nil, nil
	}
	sb, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if instance != uuid.Nil && sb.uid != instance {
		return nil, fault.ErrSandboxUnavailable
	}
	return f.run(ctx, sb, timeout, final, func(ctx context.Context) (any, error) {
		release, err := sb.hold(sizeOf(args))
		defer release()
		if err != nil {
			return nil, err
		}
		v, err := fn(ctx, args...)
		if err != nil {
			return nil, err
		}
		out, err := sb.hold(sizeOf(v))
		out()
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}
