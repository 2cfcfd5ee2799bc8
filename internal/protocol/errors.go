package protocol

import (
	"errors"

	"github.com/ezburn/ezburn/internal/config"
)

// EncodeError turns err into the body of an error response. Configuration
// and plugin errors keep their type across the wire.
func EncodeError(err error) map[string]interface{} {
	response := map[string]interface{}{
		"error": err.Error(),
	}

	var configErr *config.ConfigurationError
	var pluginErr *config.PluginError
	if errors.As(err, &configErr) {
		response["error"] = configErr.Error()
		response["configuration"] = true
		if configErr.PluginName != "" {
			response["pluginName"] = configErr.PluginName
		}
	} else if errors.As(err, &pluginErr) {
		response["error"] = pluginErr.Error()
		response["pluginName"] = pluginErr.PluginName
		response["hook"] = int(pluginErr.Hook)
		response["path"] = pluginErr.Path
		response["stack"] = pluginErr.Stack
	}

	return response
}

// DecodeError is the inverse of EncodeError. It returns nil if the response
// is not an error.
func DecodeError(response map[string]interface{}) error {
	text, ok := response["error"].(string)
	if !ok {
		return nil
	}

	if configuration, _ := response["configuration"].(bool); configuration {
		pluginName, _ := response["pluginName"].(string)
		return &config.ConfigurationError{PluginName: pluginName, Text: text}
	}

	if pluginName, ok := response["pluginName"].(string); ok {
		hook, _ := response["hook"].(int)
		path, _ := response["path"].(string)
		stack, _ := response["stack"].(string)
		return &config.PluginError{
			PluginName: pluginName,
			Hook:       config.HookKind(hook),
			Path:       path,
			Err:        errors.New(text),
			Stack:      stack,
		}
	}

	return errors.New(text)
}
