package version

import (
	"runtime/debug"
	"sort"
	"strings"
	"text/tabwriter"
)

// moduleBuildInfo lists the main module and its dependencies sorted by
// path, one per line.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}
	return formatModules(&info.Main, info.Deps)
}

func formatModules(main *debug.Module, deps []*debug.Module) string {
	deps = append([]*debug.Module(nil), deps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 8, 1, ' ', 0)
	writeModule(tw, "mod", main)
	for _, dep := range deps {
		writeModule(tw, "dep", dep)
	}
	tw.Flush()
	return b.String()
}

func writeModule(tw *tabwriter.Writer, kind string, m *debug.Module) {
	version := m.Version
	if version == "" {
		version = "(devel)"
	}
	line := []string{" " + kind, m.Path, version}
	if m.Replace != nil {
		line = append(line, "=> "+m.Replace.Path, m.Replace.Version)
	}
	tw.Write([]byte(strings.Join(line, "\t") + "\n"))
}
