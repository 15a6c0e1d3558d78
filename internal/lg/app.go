package lg

import (
	"os"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
)

// appInfo describes the running binary. It tags metrics and shipped log lines.
type appInfo struct {
	Name      string `json:"app"`
	Host      string `json:"host"`
	GoVersion string `json:"go_version"`
	Package   string `json:"pkg"`
	Version   string `json:"version,omitempty"`
}

func readAppInfo(name string) appInfo {
	a := appInfo{Name: name}
	if info, ok := debug.ReadBuildInfo(); ok {
		a.GoVersion = info.GoVersion
		a.Package = info.Path
		if v := info.Main.Version; v != "(devel)" {
			a.Version = v
		}
	}
	if h, err := os.Hostname(); err == nil {
		a.Host = h
	}
	return a
}

func (a appInfo) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("app", a.Name),
		attribute.String("host", a.Host),
		attribute.String("go_version", a.GoVersion),
		attribute.String("pkg", a.Package),
	}
	if a.Version != "" {
		attrs = append(attrs, attribute.String("version", a.Version))
	}
	return attrs
}
