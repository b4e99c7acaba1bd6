package mailer

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/dagobah-org/dagobah/internal/event"
	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/stringutil"
)

// stderrTailLines bounds how much stderr one task contributes to a
// notification body.
const stderrTailLines = 10

// Notifier turns lifecycle events into notification mail. It registers
// one named hook per subscribed event, so it can be detached again.
type Notifier struct {
	mailer *Mailer
	from   string
	to     []string
}

// NewNotifier returns a notifier sending through the given mailer.
func NewNotifier(m *Mailer, from string, to []string) *Notifier {
	return &Notifier{mailer: m, from: from, to: to}
}

// DefaultEvents are the events notified when the config names none.
var DefaultEvents = []string{event.JobFailed, event.TaskFailed}

// Attach registers the notifier's hooks for the given events under the
// names "mailer.<event>".
func (n *Notifier) Attach(handler *event.Handler, events []string) error {
	if len(events) == 0 {
		events = DefaultEvents
	}
	for _, name := range events {
		eventName := name
		var hook event.Hook
		switch eventName {
		case event.JobComplete, event.JobFailed:
			hook = func(ctx context.Context, payload map[string]any) {
				n.notifyJob(ctx, eventName, payload)
			}
		case event.TaskFailed:
			hook = n.notifyTask
		default:
			return fmt.Errorf("unknown event %q", eventName)
		}
		if err := handler.Register(eventName, "mailer."+eventName, hook); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the notifier's hooks, ignoring ones never registered.
func (n *Notifier) Detach(handler *event.Handler) {
	for _, name := range []string{event.JobComplete, event.JobFailed, event.TaskFailed} {
		_ = handler.Deregister(name, "mailer."+name)
	}
}

type taskSummary struct {
	Name       string
	ReturnCode string
	Success    string
	StderrTail []string
}

type jobSummary struct {
	Event  string
	Job    string
	Status string
	Tasks  []taskSummary
}

var jobBody = template.Must(template.New("job").Parse(
	`Job {{.Job}} finished with status {{.Status}}.
{{range .Tasks}}
Task {{.Name}}: return code {{.ReturnCode}}, success {{.Success}}
{{- range .StderrTail}}
    {{.}}
{{- end}}
{{end}}`))

var taskBody = template.Must(template.New("task").Parse(
	`Task {{(index .Tasks 0).Name}}{{if .Job}} of job {{.Job}}{{end}} failed with return code {{(index .Tasks 0).ReturnCode}}.
{{range (index .Tasks 0).StderrTail}}    {{.}}
{{end}}`))

func (n *Notifier) notifyJob(ctx context.Context, eventName string, payload map[string]any) {
	summary := jobSummary{
		Event:  eventName,
		Job:    str(payload["name"]),
		Status: str(payload["status"]),
	}
	if tasks, ok := payload["tasks"].([]any); ok {
		for _, raw := range tasks {
			task, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			summary.Tasks = append(summary.Tasks, summarizeTask(task))
		}
	}

	subject := fmt.Sprintf("[dagobah] %s: job %s", eventName, summary.Job)
	n.send(ctx, subject, jobBody, summary)
}

func (n *Notifier) notifyTask(ctx context.Context, payload map[string]any) {
	summary := jobSummary{
		Event: event.TaskFailed,
		Job:   str(payload["job"]),
		Tasks: []taskSummary{summarizeTask(payload)},
	}

	subject := fmt.Sprintf("[dagobah] task %s failed", summary.Tasks[0].Name)
	n.send(ctx, subject, taskBody, summary)
}

func (n *Notifier) send(ctx context.Context, subject string, body *template.Template, summary jobSummary) {
	var buf strings.Builder
	if err := body.Execute(&buf, summary); err != nil {
		logger.Error(ctx, "Failed to render notification", "event", summary.Event, "err", err)
		return
	}
	if err := n.mailer.SendMail(ctx, n.from, n.to, subject, buf.String()); err != nil {
		logger.Error(ctx, "Failed to send notification mail",
			"event", summary.Event, "job", summary.Job, "err", err)
	}
}

func summarizeTask(task map[string]any) taskSummary {
	summary := taskSummary{
		Name:       str(task["name"]),
		ReturnCode: "?",
		Success:    "?",
	}
	record, ok := task["run_log"].(map[string]any)
	if !ok {
		return summary
	}
	if rc, ok := record["return_code"].(float64); ok {
		summary.ReturnCode = fmt.Sprintf("%d", int(rc))
	}
	if success, ok := record["success"].(bool); ok {
		summary.Success = fmt.Sprintf("%t", success)
	}
	if stderr, ok := record["stderr"].(string); ok && stderr != "" {
		summary.StderrTail = stringutil.TailLines(
			strings.TrimRight(stderr, "\n"), stderrTailLines)
	}
	return summary
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
