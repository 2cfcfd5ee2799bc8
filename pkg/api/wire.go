package api

// Conversions between the API types and the maps sent over the service
// protocol. Unknown keys are ignored and missing keys decode to zero values.

import (
	"sync"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/pipeline"
	"github.com/ezburn/ezburn/internal/protocol"
)

func getString(m map[string]interface{}, key string) string {
	value, _ := m[key].(string)
	return value
}

func getBool(m map[string]interface{}, key string) bool {
	value, _ := m[key].(bool)
	return value
}

func getInt(m map[string]interface{}, key string) int {
	value, _ := m[key].(int)
	return value
}

func getBytes(m map[string]interface{}, key string) []byte {
	value, _ := m[key].([]byte)
	return value
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	value, _ := m[key].(map[string]interface{})
	return value
}

func getStrings(m map[string]interface{}, key string) []string {
	items, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.(string); ok {
			result = append(result, text)
		}
	}
	return result
}

func getStringMap(m map[string]interface{}, key string) map[string]string {
	items, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	result := make(map[string]string, len(items))
	for k, v := range items {
		if text, ok := v.(string); ok {
			result[k] = text
		}
	}
	return result
}

func encodeStrings(items []string) interface{} {
	if items == nil {
		return nil
	}
	result := make([]interface{}, len(items))
	for i, item := range items {
		result[i] = item
	}
	return result
}

func encodeStringMap(items map[string]string) interface{} {
	if items == nil {
		return nil
	}
	result := make(map[string]interface{}, len(items))
	for k, v := range items {
		result[k] = v
	}
	return result
}

////////////////////////////////////////////////////////////////////////////////
// Options

func encodeBuildOptions(options BuildOptions) map[string]interface{} {
	result := map[string]interface{}{
		"logLevel":          int(options.LogLevel),
		"sourcemap":         int(options.Sourcemap),
		"minifyWhitespace":  options.MinifyWhitespace,
		"minifyIdentifiers": options.MinifyIdentifiers,
		"minifySyntax":      options.MinifySyntax,
		"define":            encodeStringMap(options.Define),
		"globalName":        options.GlobalName,
		"bundle":            options.Bundle,
		"outfile":           options.Outfile,
		"metafile":          options.Metafile,
		"outdir":            options.Outdir,
		"absWorkingDir":     options.AbsWorkingDir,
		"platform":          int(options.Platform),
		"format":            int(options.Format),
		"external":          encodeStrings(options.External),
		"entryPoints":       encodeStrings(options.EntryPoints),
		"write":             options.Write,
	}

	if options.Loader != nil {
		loaders := make(map[string]interface{}, len(options.Loader))
		for ext, loader := range options.Loader {
			loaders[ext] = int(loader)
		}
		result["loader"] = loaders
	}

	if stdin := options.Stdin; stdin != nil {
		result["stdin"] = map[string]interface{}{
			"contents":   stdin.Contents,
			"resolveDir": stdin.ResolveDir,
			"sourcefile": stdin.Sourcefile,
			"loader":     int(stdin.Loader),
		}
	}

	return result
}

func decodeBuildOptions(m map[string]interface{}) BuildOptions {
	options := BuildOptions{
		LogLevel:          LogLevel(getInt(m, "logLevel")),
		Sourcemap:         SourceMap(getInt(m, "sourcemap")),
		MinifyWhitespace:  getBool(m, "minifyWhitespace"),
		MinifyIdentifiers: getBool(m, "minifyIdentifiers"),
		MinifySyntax:      getBool(m, "minifySyntax"),
		Define:            getStringMap(m, "define"),
		GlobalName:        getString(m, "globalName"),
		Bundle:            getBool(m, "bundle"),
		Outfile:           getString(m, "outfile"),
		Metafile:          getBool(m, "metafile"),
		Outdir:            getString(m, "outdir"),
		AbsWorkingDir:     getString(m, "absWorkingDir"),
		Platform:          Platform(getInt(m, "platform")),
		Format:            Format(getInt(m, "format")),
		External:          getStrings(m, "external"),
		EntryPoints:       getStrings(m, "entryPoints"),
		Write:             getBool(m, "write"),
	}

	if loaders := getMap(m, "loader"); loaders != nil {
		options.Loader = make(map[string]Loader, len(loaders))
		for ext, loader := range loaders {
			n, _ := loader.(int)
			options.Loader[ext] = Loader(n)
		}
	}

	if stdin := getMap(m, "stdin"); stdin != nil {
		options.Stdin = &StdinOptions{
			Contents:   getString(stdin, "contents"),
			ResolveDir: getString(stdin, "resolveDir"),
			Sourcefile: getString(stdin, "sourcefile"),
			Loader:     Loader(getInt(stdin, "loader")),
		}
	}

	return options
}

func encodeTransformOptions(options TransformOptions) map[string]interface{} {
	return map[string]interface{}{
		"logLevel":          int(options.LogLevel),
		"sourcemap":         int(options.Sourcemap),
		"platform":          int(options.Platform),
		"format":            int(options.Format),
		"globalName":        options.GlobalName,
		"minifyWhitespace":  options.MinifyWhitespace,
		"minifyIdentifiers": options.MinifyIdentifiers,
		"minifySyntax":      options.MinifySyntax,
		"define":            encodeStringMap(options.Define),
		"sourcefile":        options.Sourcefile,
		"loader":            int(options.Loader),
	}
}

func decodeTransformOptions(m map[string]interface{}) TransformOptions {
	return TransformOptions{
		LogLevel:          LogLevel(getInt(m, "logLevel")),
		Sourcemap:         SourceMap(getInt(m, "sourcemap")),
		Platform:          Platform(getInt(m, "platform")),
		Format:            Format(getInt(m, "format")),
		GlobalName:        getString(m, "globalName"),
		MinifyWhitespace:  getBool(m, "minifyWhitespace"),
		MinifyIdentifiers: getBool(m, "minifyIdentifiers"),
		MinifySyntax:      getBool(m, "minifySyntax"),
		Define:            getStringMap(m, "define"),
		Sourcefile:        getString(m, "sourcefile"),
		Loader:            Loader(getInt(m, "loader")),
	}
}

////////////////////////////////////////////////////////////////////////////////
// Results

func encodeLocation(loc *Location) interface{} {
	if loc == nil {
		return nil
	}
	return map[string]interface{}{
		"file":      loc.File,
		"namespace": loc.Namespace,
		"line":      loc.Line,
		"column":    loc.Column,
		"length":    loc.Length,
		"lineText":  loc.LineText,
	}
}

func decodeLocation(value interface{}) *Location {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	return &Location{
		File:      getString(m, "file"),
		Namespace: getString(m, "namespace"),
		Line:      getInt(m, "line"),
		Column:    getInt(m, "column"),
		Length:    getInt(m, "length"),
		LineText:  getString(m, "lineText"),
	}
}

// Only errors survive the trip in the detail field. Other detail values
// belong to the process that created them.
func encodeMessages(msgs []Message) interface{} {
	result := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		notes := make([]interface{}, 0, len(msg.Notes))
		for _, note := range msg.Notes {
			notes = append(notes, map[string]interface{}{
				"text":     note.Text,
				"location": encodeLocation(note.Location),
			})
		}

		var detail interface{}
		if err, ok := msg.Detail.(error); ok {
			detail = protocol.EncodeError(err)
		}

		result = append(result, map[string]interface{}{
			"id":         msg.ID,
			"pluginName": msg.PluginName,
			"text":       msg.Text,
			"location":   encodeLocation(msg.Location),
			"notes":      notes,
			"detail":     detail,
		})
	}
	return result
}

func decodeMessages(value interface{}) []Message {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var result []Message
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		var notes []Note
		if items, ok := m["notes"].([]interface{}); ok {
			for _, item := range items {
				if note, ok := item.(map[string]interface{}); ok {
					notes = append(notes, Note{Text: getString(note, "text"), Location: decodeLocation(note["location"])})
				}
			}
		}

		var detail interface{}
		if d := getMap(m, "detail"); d != nil {
			if err := protocol.DecodeError(d); err != nil {
				detail = err
			}
		}

		result = append(result, Message{
			ID:         getString(m, "id"),
			PluginName: getString(m, "pluginName"),
			Text:       getString(m, "text"),
			Location:   decodeLocation(m["location"]),
			Notes:      notes,
			Detail:     detail,
		})
	}
	return result
}

func encodeBuildResult(result BuildResult) map[string]interface{} {
	files := make([]interface{}, 0, len(result.OutputFiles))
	for _, file := range result.OutputFiles {
		files = append(files, map[string]interface{}{
			"path":     file.Path,
			"contents": file.Contents,
			"hash":     file.Hash,
		})
	}
	return map[string]interface{}{
		"errors":      encodeMessages(result.Errors),
		"warnings":    encodeMessages(result.Warnings),
		"outputFiles": files,
		"metafile":    result.Metafile,
	}
}

func decodeBuildResult(m map[string]interface{}) BuildResult {
	result := BuildResult{
		Errors:   decodeMessages(m["errors"]),
		Warnings: decodeMessages(m["warnings"]),
		Metafile: getString(m, "metafile"),
	}
	if files, ok := m["outputFiles"].([]interface{}); ok {
		for _, item := range files {
			if file, ok := item.(map[string]interface{}); ok {
				result.OutputFiles = append(result.OutputFiles, OutputFile{
					Path:     getString(file, "path"),
					Contents: getBytes(file, "contents"),
					Hash:     getString(file, "hash"),
				})
			}
		}
	}
	return result
}

func encodeTransformResult(result TransformResult) map[string]interface{} {
	return map[string]interface{}{
		"errors":   encodeMessages(result.Errors),
		"warnings": encodeMessages(result.Warnings),
		"code":     result.Code,
		"map":      result.Map,
	}
}

func decodeTransformResult(m map[string]interface{}) TransformResult {
	return TransformResult{
		Errors:   decodeMessages(m["errors"]),
		Warnings: decodeMessages(m["warnings"]),
		Code:     getBytes(m, "code"),
		Map:      getBytes(m, "map"),
	}
}

// A call that failed outright is reported the way a failed build is.
func messagesForCallError(err error) []Message {
	return []Message{messageFromError(err)}
}

////////////////////////////////////////////////////////////////////////////////
// Hooks

func encodeHooks(hooks []pipeline.HookInfo) interface{} {
	result := make([]interface{}, 0, len(hooks))
	for _, hook := range hooks {
		result = append(result, map[string]interface{}{
			"kind":       int(hook.Kind),
			"index":      hook.Index,
			"pluginName": hook.PluginName,
			"filter":     hook.Filter,
			"namespace":  hook.Namespace,
		})
	}
	return result
}

func decodeHooks(value interface{}) []pipeline.HookInfo {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var result []pipeline.HookInfo
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			result = append(result, pipeline.HookInfo{
				Kind:       config.HookKind(getInt(m, "kind")),
				Index:      getInt(m, "index"),
				PluginName: getString(m, "pluginName"),
				Filter:     getString(m, "filter"),
				Namespace:  getString(m, "namespace"),
			})
		}
	}
	return result
}

// Plugin data can be any Go value, so it never crosses the wire. The side
// that owns the hooks keeps the values and sends small integer handles in
// their place. Handle zero means nil.
type pluginDataTable struct {
	mutex  sync.Mutex
	values []interface{}
}

func (t *pluginDataTable) store(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.values = append(t.values, value)
	return len(t.values)
}

func (t *pluginDataTable) load(handle interface{}) interface{} {
	n, ok := handle.(int)
	if !ok || n == 0 {
		return nil
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if n > len(t.values) {
		return nil
	}
	return t.values[n-1]
}

func encodeResolveArgs(args config.OnResolveArgs) map[string]interface{} {
	return map[string]interface{}{
		"path":       args.Path,
		"importer":   args.Importer,
		"namespace":  args.Namespace,
		"resolveDir": args.ResolveDir,
		"kind":       int(args.Kind),
		"pluginData": args.PluginData,
	}
}

func decodeResolveArgs(m map[string]interface{}, data *pluginDataTable) config.OnResolveArgs {
	return config.OnResolveArgs{
		Path:       getString(m, "path"),
		Importer:   getString(m, "importer"),
		Namespace:  getString(m, "namespace"),
		ResolveDir: getString(m, "resolveDir"),
		Kind:       config.ImportKind(getInt(m, "kind")),
		PluginData: data.load(m["pluginData"]),
	}
}

func encodeResolveResult(result config.OnResolveResult, data *pluginDataTable) map[string]interface{} {
	return map[string]interface{}{
		"ok":         true,
		"pluginName": result.PluginName,
		"path":       result.Path.Text,
		"namespace":  result.Path.Namespace,
		"external":   result.External,
		"pluginData": data.store(result.PluginData),
	}
}

func decodeResolveResult(m map[string]interface{}) (config.OnResolveResult, bool) {
	if !getBool(m, "ok") {
		return config.OnResolveResult{}, false
	}
	return config.OnResolveResult{
		PluginName: getString(m, "pluginName"),
		Path:       logger.Path{Text: getString(m, "path"), Namespace: getString(m, "namespace")},
		External:   getBool(m, "external"),
		PluginData: m["pluginData"],
	}, true
}

func encodeLoadArgs(args config.OnLoadArgs) map[string]interface{} {
	return map[string]interface{}{
		"path":       args.Path.Text,
		"namespace":  args.Path.Namespace,
		"pluginData": args.PluginData,
	}
}

func decodeLoadArgs(m map[string]interface{}, data *pluginDataTable) config.OnLoadArgs {
	return config.OnLoadArgs{
		Path:       logger.Path{Text: getString(m, "path"), Namespace: getString(m, "namespace")},
		PluginData: data.load(m["pluginData"]),
	}
}

func encodeLoadResult(result config.OnLoadResult, data *pluginDataTable) map[string]interface{} {
	return map[string]interface{}{
		"ok":         true,
		"pluginName": result.PluginName,
		"contents":   []byte(result.Contents),
		"resolveDir": result.AbsResolveDir,
		"loader":     int(result.Loader),
		"pluginData": data.store(result.PluginData),
	}
}

func decodeLoadResult(m map[string]interface{}) (config.OnLoadResult, bool) {
	if !getBool(m, "ok") {
		return config.OnLoadResult{}, false
	}
	return config.OnLoadResult{
		PluginName:    getString(m, "pluginName"),
		Contents:      string(getBytes(m, "contents")),
		AbsResolveDir: getString(m, "resolveDir"),
		Loader:        config.Loader(getInt(m, "loader")),
		PluginData:    m["pluginData"],
	}, true
}
