package registry

import (
	"log/slog"

	"github.com/periscope-dev/engine/pkg/activities/aiagent"
	"github.com/periscope-dev/engine/pkg/activities/email"
	"github.com/periscope-dev/engine/pkg/activities/script"
	"github.com/periscope-dev/engine/pkg/activities/usertask"
	"github.com/periscope-dev/engine/pkg/activities/webhook"
)

// NewBuiltinRegistry returns a registry holding the complete built-in kind
// set. Every deployable definition references kinds from this set only.
func NewBuiltinRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.RegisterActivity(webhook.NewActivityFactory())
	r.RegisterActivity(email.NewActivityFactory())
	r.RegisterActivity(script.NewActivityFactory())
	r.RegisterActivity(aiagent.NewActivityFactory())
	r.RegisterActivity(usertask.NewActivityFactory())

	return r
}
