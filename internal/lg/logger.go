package lg

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-logr/stdr"
	"github.com/logzio/logzio-go"
	"go.opentelemetry.io/otel"

	"github.com/sour-is/livemsg/pkg/env"
)

// logzwriter ships each log line as a JSON document tagged with the app.
// Blank lines and lines starting with # stay local.
type logzwriter struct {
	app appInfo
	w   io.Writer
}

type logLine struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	appInfo
}

func (l *logzwriter) Write(b []byte) (int, error) {
	for _, sp := range bytes.Split(b, []byte("\n")) {
		msg := strings.TrimSpace(string(sp))
		if msg == "" || strings.HasPrefix(msg, "#") {
			continue
		}

		out, err := json.Marshal(logLine{Message: msg, Level: level(msg), appInfo: l.app})
		if err != nil {
			return 0, err
		}
		if _, err := l.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// level guesses a severity from the line written by the standard logger.
func level(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "panic"), strings.Contains(lower, "fatal"):
		return "fatal"
	case strings.Contains(lower, "error"), strings.Contains(lower, "failed"):
		return "error"
	case strings.Contains(lower, "disabled"):
		return "warn"
	default:
		return "info"
	}
}

// initLogger prefixes log lines with the app name and, when
// LIVEMSG_LOGZIO_TOKEN is set, copies them to logz.io.
func initLogger(name string) func() error {
	log.SetPrefix("[" + name + "] ")
	log.SetFlags(log.LstdFlags&^(log.Ldate|log.Ltime) | log.Lshortfile)

	token := env.Secret("LIVEMSG_LOGZIO_TOKEN", "")
	if token.Secret() == "" {
		return nil
	}

	l, err := logzio.New(
		token.Secret(),
		logzio.SetUrl(env.Default("LIVEMSG_LOGZIO_URL", "https://listener.logz.io:8071")),
		logzio.SetDrainDuration(time.Second*5),
		logzio.SetTempDirectory(env.Default("LIVEMSG_LOGZIO_DIR", os.TempDir())),
		logzio.SetCheckDiskSpace(true),
		logzio.SetDrainDiskThreshold(70),
	)
	if err != nil {
		log.Println("logzio disabled: ", err)
		return nil
	}

	w := io.MultiWriter(os.Stderr, &logzwriter{app: readAppInfo(name), w: l})
	log.SetOutput(w)
	otel.SetLogger(stdr.New(log.Default()))

	return func() error {
		defer log.Println("logger stopped")
		log.SetOutput(os.Stderr)
		l.Stop()
		return nil
	}
}
