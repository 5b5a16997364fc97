package status

import (
	"github.com/sirupsen/logrus"

	"docingest/internal/document"
)

// LogReporter writes every transition to the log. In-flight states go to
// debug, failures to warn and DEAD to error.
type LogReporter struct {
	log *logrus.Entry
}

func NewLogReporter(log *logrus.Entry) *LogReporter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogReporter{log: log}
}

func (l *LogReporter) ReportStatus(u document.StatusUpdate) {
	entry := l.log.WithFields(logrus.Fields{"doc_id": u.DocID, "status": u.State})
	if u.Scanner != "" {
		entry = entry.WithField("scanner", u.Scanner)
	}
	if u.ParentID != "" {
		entry = entry.WithField("parent_id", u.ParentID)
	}

	switch u.Status {
	case document.StatusBatched, document.StatusIndexing:
		entry.Debug(u.Message)
	case document.StatusIndexed:
		entry.Info(u.Message)
	case document.StatusDead:
		entry.Error(u.Message)
	default:
		entry.Warn(u.Message)
	}
}
