// Package kbquery provides the compliance knowledge base query service.
package kbquery

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/kart-io/sentinel-kb/pkg/infra/app"
)

// Name is the name of the application.
const Name = "sentinel-kb"

const appDescription = `Sentinel KB Query Service

Answers compliance questions from a knowledge graph of standards and controls
combined with a vector index of document chunks.

This server provides:
  - Intent analysis and query expansion
  - Hybrid graph and vector retrieval with result fusion
  - Answer synthesis with sources, confidence and follow-up questions
  - Background relationship discovery and scheduled graph gardening`

// NewApp creates a new application instance.
func NewApp() *app.App {
	opts := NewOptions()

	var a *app.App
	a = app.NewApp(
		app.WithName(Name),
		app.WithShortDescription("Compliance knowledge base query service"),
		app.WithDescription(appDescription),
		app.WithOptions(opts),
		app.WithRunFunc(func(ctx context.Context) error {
			return Run(ctx, opts, a.Viper())
		}),
	)
	return a
}

// Run runs the service until ctx is cancelled.
func Run(ctx context.Context, opts *Options, v *viper.Viper) error {
	printBanner(opts)

	srv, err := NewServer(ctx, opts, v)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func printBanner(opts *Options) {
	fmt.Printf("Starting %s %s...\n", Name, app.GetVersion())
	fmt.Printf("  HTTP: %s\n", opts.HTTP.Addr)
	fmt.Printf("  Graph: %s\n", opts.Graph.Driver)
	if opts.Milvus.Enabled {
		fmt.Printf("  Milvus: %s\n", opts.Milvus.Address)
	}
	for _, p := range opts.LLM.Providers {
		fmt.Printf("  LLM: %s (%s, chat=%s, embed=%s)\n", p.Name, p.Type, p.ChatModel, p.EmbedModel)
	}
}
