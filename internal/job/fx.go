package job

import (
	"github.com/smallbiznis/creditgate/internal/job/queue"
	"github.com/smallbiznis/creditgate/internal/job/service"
	"go.uber.org/fx"
)

var Module = fx.Module("job",
	fx.Provide(queue.New),
	fx.Provide(service.NewService),
)
