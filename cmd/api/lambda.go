package main

import (
	"log/slog"

	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"

	"vshift/internal/core"
)

// runLambda serves API Gateway HTTP API (payload v2) events through the
// server's router. lambda.Start does not return.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("starting in Lambda mode")
	lambda.Start(newLambdaAdapter(srv).ProxyWithContextV2)
	return nil
}

func newLambdaAdapter(srv *core.Server) *chiadapter.ChiLambdaV2 {
	return chiadapter.NewV2(srv.Router())
}
