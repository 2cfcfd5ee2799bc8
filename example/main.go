package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ezburn/ezburn/pkg/api"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: example <entry point>")
		os.Exit(2)
	}

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{os.Args[1]},
		Format:      api.FormatESModule,
		Bundle:      true,
		LogLevel:    api.LogLevelSilent,
		Plugins:     []api.Plugin{envPlugin(), sveltePlugin()},
	})
	for _, warn := range result.Warnings {
		fmt.Println("[WARN] ", warn.Text)
	}
	for _, err := range result.Errors {
		if err.PluginName != "" {
			fmt.Printf("[ERROR] [%s] %s\n", err.PluginName, err.Text)
		} else {
			fmt.Println("[ERROR] ", err.Text)
		}
	}
	for _, file := range result.OutputFiles {
		fmt.Println(string(file.Contents))
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}

// envPlugin serves `import env from "env"` from the process environment. The
// module never exists on disk.
func envPlugin() api.Plugin {
	return api.Plugin{
		Name: "env",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^env$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, Namespace: "env-ns"}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "env-ns"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				env := make(map[string]string)
				for _, item := range os.Environ() {
					if key, value, ok := strings.Cut(item, "="); ok && strings.HasPrefix(key, "PUBLIC_") {
						env[key] = value
					}
				}
				data, err := json.Marshal(env)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				contents := string(data)
				return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJSON}, nil
			})
		},
	}
}

// sveltePlugin compiles ".svelte" files with "example/compile.js". Any
// other file is left to the engine.
func sveltePlugin() api.Plugin {
	return api.Plugin{
		Name: "svelte",
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{Filter: `\.svelte$`, Namespace: "file"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				source, err := os.ReadFile(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}

				// Could be amortized by keeping one compiler process running
				cmd := exec.Command("node", filepath.Join("example", "compile.js"))
				var stdout bytes.Buffer
				cmd.Stdout = &stdout
				cmd.Stderr = os.Stderr
				cmd.Stdin = bytes.NewReader(source)
				if err := cmd.Run(); err != nil {
					return api.OnLoadResult{}, fmt.Errorf("Failed to compile %s: %w", args.Path, err)
				}

				contents := stdout.String()
				return api.OnLoadResult{
					Contents:   &contents,
					ResolveDir: filepath.Dir(args.Path),
					Loader:     api.LoaderJS,
				}, nil
			})
		},
	}
}
