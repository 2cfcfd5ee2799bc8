package api

// This implements a long-running service that runs builds on behalf of a
// host. It reads requests from one stream and writes responses to another.
// Plugin hooks stay in the host: the service learns each hook's filter and
// namespace, scans them itself, and calls back into the host only for the
// hook that should run.

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/pipeline"
	"github.com/ezburn/ezburn/internal/protocol"
	"go.uber.org/zap"
)

type service struct {
	stream *protocol.Stream
	log    *zap.Logger

	mutex    sync.Mutex
	contexts map[int]*nativeContext
}

// RunService answers requests read from in until it ends. Every response is
// written to out before RunService returns.
func RunService(in io.Reader, out io.Writer) error {
	s := &service{
		log:      logger.Zap().Named("service"),
		contexts: make(map[int]*nativeContext),
	}
	s.stream = protocol.NewStream(in, out, s.handleRequest)

	err := s.stream.Run(context.Background())

	// The host is gone, so nothing can be rebuilt anymore
	s.mutex.Lock()
	contexts := s.contexts
	s.contexts = nil
	s.mutex.Unlock()
	for _, ctx := range contexts {
		ctx.Dispose()
	}
	return err
}

func (s *service) handleRequest(ctx context.Context, request map[string]interface{}) (map[string]interface{}, error) {
	command := getString(request, "command")
	s.log.Debug("request", zap.String("command", command))

	switch command {
	case "ping":
		return map[string]interface{}{}, nil

	case "build":
		return s.handleBuildRequest(request)

	case "context":
		return s.handleContextRequest(request)

	case "rebuild":
		ctx, err := s.lookup(request)
		if err != nil {
			return nil, err
		}
		return encodeBuildResult(ctx.Rebuild()), nil

	case "cancel":
		ctx, err := s.lookup(request)
		if err != nil {
			return nil, err
		}
		ctx.Cancel()
		return map[string]interface{}{}, nil

	case "dispose":
		key := getInt(request, "key")
		s.mutex.Lock()
		ctx := s.contexts[key]
		delete(s.contexts, key)
		s.mutex.Unlock()
		if ctx != nil {
			ctx.Dispose()
		}
		return map[string]interface{}{}, nil

	case "transform":
		result := transformImpl(getString(request, "input"), decodeTransformOptions(getMap(request, "options")))
		return encodeTransformResult(result), nil

	case "analyze-metafile":
		text, err := analyzeMetafileImpl(getString(request, "metafile"), AnalyzeMetafileOptions{
			Color: getBool(request, "color"),
			Sort:  getBool(request, "sort"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"result": text}, nil

	default:
		return nil, fmt.Errorf("Invalid command: %s", command)
	}
}

func (s *service) lookup(request map[string]interface{}) (*nativeContext, error) {
	key := getInt(request, "key")
	s.mutex.Lock()
	ctx := s.contexts[key]
	s.mutex.Unlock()
	if ctx == nil {
		return nil, &config.ConfigurationError{Text: fmt.Sprintf("There is no build context with key %d", key)}
	}
	return ctx, nil
}

func (s *service) newContext(request map[string]interface{}) (*nativeContext, []Message, error) {
	key := getInt(request, "key")
	p, err := s.proxyPipeline(key, decodeHooks(request["hooks"]))
	if err != nil {
		return nil, nil, err
	}
	ctx, errors := newNativeContext(decodeBuildOptions(getMap(request, "options")), p)
	return ctx, errors, nil
}

func (s *service) handleBuildRequest(request map[string]interface{}) (map[string]interface{}, error) {
	ctx, errors, err := s.newContext(request)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		return encodeBuildResult(BuildResult{Errors: errors}), nil
	}
	result := ctx.Rebuild()
	ctx.Dispose()
	return encodeBuildResult(result), nil
}

func (s *service) handleContextRequest(request map[string]interface{}) (map[string]interface{}, error) {
	ctx, errors, err := s.newContext(request)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		return map[string]interface{}{"errors": encodeMessages(errors)}, nil
	}

	s.mutex.Lock()
	if s.contexts == nil {
		s.mutex.Unlock()
		ctx.Dispose()
		return nil, protocol.ErrClosed
	}
	s.contexts[getInt(request, "key")] = ctx
	s.mutex.Unlock()
	return map[string]interface{}{"ok": true}, nil
}

// proxyPipeline mirrors the host's hooks. Each handler forwards to the host
// hook with the same index, so the scan order and namespace matching here are
// exactly the host's.
func (s *service) proxyPipeline(key int, hooks []pipeline.HookInfo) (*pipeline.Pipeline, error) {
	p := pipeline.New(pipeline.Options{Log: s.log})

	for _, hook := range hooks {
		index := hook.Index
		switch hook.Kind {
		case config.HookResolve:
			err := p.RegisterResolver(hook.PluginName, hook.Filter, hook.Namespace,
				func(ctx context.Context, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
					request := encodeResolveArgs(args)
					request["command"] = "on-resolve"
					request["key"] = key
					request["index"] = index
					response, err := s.stream.SendRequest(ctx, request)
					if err != nil {
						return config.OnResolveResult{}, false, err
					}
					result, ok := decodeResolveResult(response)
					return result, ok, nil
				})
			if err != nil {
				return nil, err
			}

		case config.HookLoad:
			err := p.RegisterLoader(hook.PluginName, hook.Filter, hook.Namespace,
				func(ctx context.Context, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
					request := encodeLoadArgs(args)
					request["command"] = "on-load"
					request["key"] = key
					request["index"] = index
					response, err := s.stream.SendRequest(ctx, request)
					if err != nil {
						return config.OnLoadResult{}, false, err
					}
					result, ok := decodeLoadResult(response)
					return result, ok, nil
				})
			if err != nil {
				return nil, err
			}
		}
	}

	p.Freeze()
	return p, nil
}
