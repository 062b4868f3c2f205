// Command calculator is a plugin executable that reports its own catalog:
// one plugin with an action per operation.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/plugin"
	"github.com/snowmerak/provider.go/lib/provider/executable"
)

type CalculateRequest struct {
	Operation string  `json:"operation,omitempty"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

type CalculateResponse struct {
	Result float64 `json:"result"`
}

var operations = []string{"add", "subtract", "multiply", "divide"}

func calculate(op string, a, b float64) (float64, error) {
	switch op {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, errors.New("division by zero is not allowed")
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("unsupported operation: %s", op)
	}
}

func catalog() []*descriptor.Descriptor {
	opts := []descriptor.Option{descriptor.WithAttribute("category", "math")}
	for _, op := range operations {
		opts = append(opts, descriptor.WithAction(op, strings.ToUpper(op[:1])+op[1:]))
	}
	return []*descriptor.Descriptor{descriptor.MustNew("demo.calculator", "Calculator", opts...)}
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("plugin", "calculator").Logger()

	// The action this process was started for, if any, is the default
	// operation.
	_, action, _ := descriptor.SplitActionID(os.Getenv(executable.EnvPluginID))

	module := plugin.NewModule(os.Stdin, os.Stdout, plugin.WithModuleLogger(logger))
	if err := module.SetCatalog(catalog()); err != nil {
		logger.Fatal().Err(err).Msg("invalid catalog")
	}

	plugin.HandleJSON(module, "calculate", func(ctx context.Context, req CalculateRequest) (CalculateResponse, error) {
		op := req.Operation
		if op == "" {
			op = action
		}
		result, err := calculate(op, req.A, req.B)
		if err != nil {
			return CalculateResponse{}, err
		}
		return CalculateResponse{Result: result}, nil
	})

	if err := module.Listen(context.Background()); err != nil {
		logger.Error().Err(err).Msg("listen failed")
		os.Exit(1)
	}
}
