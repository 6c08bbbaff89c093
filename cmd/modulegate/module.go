package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/renlabs-dev/communex/gateway/endpoint"
)

type promptParams struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type promptResult struct {
	Answer []map[string]string `json:"Answer"`
}

type thingParams struct {
	Awesomness int `json:"awesomness"`
}

type thingResult struct {
	Msg string `json:"msg"`
}

var promptModels = map[string]func(string) string{
	"echo":  func(s string) string { return s },
	"upper": strings.ToUpper,
}

// registerExampleModule mounts the demonstration methods served when no other module is
// linked into the binary.
func registerExampleModule(reg *endpoint.Registry) error {
	err := endpoint.Register(reg, "prompt",
		[]endpoint.Field{
			endpoint.Required("text", endpoint.String),
			endpoint.Optional("model", endpoint.String, "echo"),
		},
		func(_ context.Context, p promptParams) (promptResult, error) {
			answer, ok := promptModels[p.Model]
			if !ok {
				return promptResult{}, &endpoint.ParamError{Message: fmt.Sprintf("Unknown model: %s", p.Model)}
			}
			return promptResult{Answer: []map[string]string{{"text": answer(p.Text)}}}, nil
		})
	if err != nil {
		return err
	}
	return endpoint.Register(reg, "do_the_thing",
		[]endpoint.Field{endpoint.Optional("awesomness", endpoint.Int, 42)},
		func(_ context.Context, p thingParams) (thingResult, error) {
			if p.Awesomness > 60 {
				return thingResult{Msg: fmt.Sprintf("You're super awesome: %d awesomness", p.Awesomness)}, nil
			}
			return thingResult{Msg: fmt.Sprintf("You're not that awesome: %d awesomness", p.Awesomness)}, nil
		})
}
