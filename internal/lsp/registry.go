package lsp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ServerDescriptor is the static definition of one language server: how to
// recognize its files, how to find the project root, and how to launch it.
// Descriptors are immutable once registered.
type ServerDescriptor struct {
	// ID uniquely identifies the server within the registry.
	ID string

	// Name is a display name.
	Name string

	// Command is the executable to run, Args its arguments.
	Command string
	Args    []string

	// Env are additional environment variables for the process.
	Env map[string]string

	// Extensions this server claims, with leading dot (".go").
	// Matching is case-insensitive.
	Extensions []string

	// RootMarkers are file or directory names whose presence identifies a
	// project root ("go.mod", ".git"). The search walks upward from the
	// file's directory and stops at the first hit.
	RootMarkers []string

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions any
}

// HandlesFile reports whether the descriptor claims the file's extension.
func (d ServerDescriptor) HandlesFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range d.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// ResolveRoot finds the project root for a file by walking upward from the
// file's directory to the first directory containing one of the descriptor's
// root markers. Without a hit it falls back to the file's own directory.
// The result is deterministic for a given file and stable filesystem state.
func (d ServerDescriptor) ResolveRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve root of %s: %w", path, err)
	}

	dir := filepath.Dir(abs)
	for cur := dir; ; {
		for _, marker := range d.RootMarkers {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur, nil
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir, nil
		}
		cur = parent
	}
}

// Registry is the catalog of known server descriptors. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	descriptors []ServerDescriptor
}

// NewRegistry creates a registry from the given descriptors. With none given
// it falls back to the built-in catalog.
func NewRegistry(descriptors ...ServerDescriptor) *Registry {
	if len(descriptors) == 0 {
		descriptors = DefaultDescriptors()
	}
	return &Registry{descriptors: descriptors}
}

// Descriptors returns the full catalog.
func (r *Registry) Descriptors() []ServerDescriptor {
	out := make([]ServerDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// ServersForFile returns the descriptors claiming the file's extension,
// in registration order. Unregistered extensions yield an empty slice.
func (r *Registry) ServersForFile(path string) []ServerDescriptor {
	var matches []ServerDescriptor
	for _, d := range r.descriptors {
		if d.HandlesFile(path) {
			matches = append(matches, d)
		}
	}
	return matches
}

// Installed reports whether the descriptor's executable is on PATH.
func (d ServerDescriptor) Installed() bool {
	_, err := exec.LookPath(d.Command)
	return err == nil
}

// commonRootMarkers identify a project root for most toolchains.
var commonRootMarkers = []string{".git"}

// DefaultDescriptors returns the built-in server catalog.
func DefaultDescriptors() []ServerDescriptor {
	return []ServerDescriptor{
		{
			ID:          "gopls",
			Name:        "gopls",
			Command:     "gopls",
			Args:        []string{"serve"},
			Extensions:  []string{".go"},
			RootMarkers: append([]string{"go.work", "go.mod"}, commonRootMarkers...),
		},
		{
			ID:          "rust-analyzer",
			Name:        "rust-analyzer",
			Command:     "rust-analyzer",
			Extensions:  []string{".rs"},
			RootMarkers: append([]string{"Cargo.toml"}, commonRootMarkers...),
		},
		{
			ID:          "typescript-language-server",
			Name:        "TypeScript Language Server",
			Command:     "typescript-language-server",
			Args:        []string{"--stdio"},
			Extensions:  []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			RootMarkers: append([]string{"tsconfig.json", "package.json"}, commonRootMarkers...),
		},
		{
			ID:          "pylsp",
			Name:        "Python LSP Server",
			Command:     "pylsp",
			Extensions:  []string{".py"},
			RootMarkers: append([]string{"pyproject.toml", "setup.py", "requirements.txt"}, commonRootMarkers...),
		},
		{
			ID:          "clangd",
			Name:        "clangd",
			Command:     "clangd",
			Extensions:  []string{".c", ".h", ".cpp", ".cc", ".cxx", ".hpp"},
			RootMarkers: append([]string{"compile_commands.json", "Makefile", "CMakeLists.txt"}, commonRootMarkers...),
		},
	}
}

// DetectLanguageID returns the LSP language identifier for a file path.
// Unknown extensions fall back to the bare extension name.
func DetectLanguageID(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".py":
		return "python"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".cxx", ".hpp":
		return "cpp"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".php":
		return "php"
	case ".kt", ".kts":
		return "kotlin"
	case ".lua":
		return "lua"
	case ".zig":
		return "zig"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}
