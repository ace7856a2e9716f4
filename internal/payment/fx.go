package payment

import (
	"github.com/smallbiznis/creditgate/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(service.NewService),
)
