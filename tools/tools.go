//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are run through `go run` or installed globally and are not
// tracked as separate module requirements.
package tools

// Development tools:
//
// mockgen - gomock code generation for internal/mocks
//   Run: go generate ./internal/mocks
//   Version: v0.6.0 (matches go.uber.org/mock in go.mod)
//   Docs: https://github.com/uber-go/mock
//
// golangci-lint - lint aggregator honouring the //nolint directives in this tree
//   Install: go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@latest
//   Docs: https://golangci-lint.run
