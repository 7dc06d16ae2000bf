package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)
}

func GetLogger() *logrus.Logger {
	return logger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}

// LinePublisher receives every formatted log line of a run, e.g. the run_logs channel.
type LinePublisher interface {
	PublishLog(line string)
}

// AttachRun mirrors the logger into the run's log file and into the given
// publisher until the returned detach function is called.
func AttachRun(logFile string, publisher LinePublisher) (func(), error) {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log %s: %w", logFile, err)
	}

	hooks := []logrus.Hook{&fileHook{file: f}}
	if publisher != nil {
		hooks = append(hooks, &publishHook{publisher: publisher})
	}
	for _, h := range hooks {
		logger.AddHook(h)
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			logger.ReplaceHooks(make(logrus.LevelHooks))
			_ = f.Close()
		})
	}
	return detach, nil
}

// FormatLine renders an entry as "2006-01-02 15:04:05 | LEVEL | message".
func FormatLine(entry *logrus.Entry) string {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
	b.WriteString(" | ")
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteString(" | ")
	b.WriteString(strings.TrimRight(entry.Message, "\n"))
	for _, key := range []string{"benchmark", "detector"} {
		if v, ok := entry.Data[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
		}
	}
	return b.String()
}

type fileHook struct {
	mu   sync.Mutex
	file *os.File
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.file, FormatLine(entry))
	return err
}

type publishHook struct {
	publisher LinePublisher
}

func (h *publishHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *publishHook) Fire(entry *logrus.Entry) error {
	h.publisher.PublishLog(FormatLine(entry))
	return nil
}
