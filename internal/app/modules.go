package app

import (
	"context"

	"github.com/a-marczewski/kparouter/internal/agent"
	"github.com/a-marczewski/kparouter/internal/audit"
	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/config"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/learning"
	"github.com/a-marczewski/kparouter/internal/ledger"
	"github.com/a-marczewski/kparouter/internal/router"
	"github.com/a-marczewski/kparouter/internal/scheduler"
	"github.com/a-marczewski/kparouter/internal/state"
	"go.uber.org/zap"
)

// CoreModule holds the core application components
type CoreModule struct {
	Config *config.Config
	Logger *zap.Logger
	Audit  *audit.Logger
	Ledger *ledger.Ledger // nil when the ledger is disabled
}

// PipelineModule holds the classification, routing and learning components
type PipelineModule struct {
	Knowledge  *knowledge.Base
	Classifier *classifier.Classifier
	Router     *router.Router
	Learning   *learning.Engine
	State      *state.Tracker
	Scheduler  *scheduler.Scheduler
}

// DeviceModule holds the host profile used to size batches
type DeviceModule struct {
	Profile device.Profile
	Sampler device.Sampler
}

// App holds the core components of the application with better separation of concerns.
type App struct {
	Core     CoreModule
	Pipeline PipelineModule
	Device   DeviceModule
	Agent    *agent.Service
	// RestoredFrom is the dump the learned tables were loaded from, if any.
	RestoredFrom string
	Ctx          context.Context
	Cancel       context.CancelFunc
}
