// Package chronograph builds temporally-aware knowledge graphs from
// episodes of text and conversation.
//
// Each episode runs through the same pipeline: entities are extracted and
// resolved against the existing graph, facts between the resolved entities
// are extracted and resolved against existing facts, contradicted facts are
// closed in time, and entity summaries and attributes are backfilled. The
// outcome is committed to the graph as a single unit or not at all.
//
// # Basic Usage
//
// Build a client from configuration:
//
//	cfg, err := config.Load("chronograph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := chronograph.NewFromConfig(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// Or assemble one from parts:
//
//	llm, _ := nlp.NewOpenAIClient(apiKey, nlp.Config{Model: "gpt-4o-mini"})
//	client, err := chronograph.NewClient(driver.NewMemoryDriver(), llm, nil,
//		&chronograph.Config{GroupID: "my-group"}, nil)
//
// # Processing Episodes
//
//	result, err := client.ProcessEpisode(ctx, types.Episode{
//		ID:        "meeting-1",
//		Content:   "Alice joined Acme Corp in 2019.",
//		Type:      types.TextEpisodeType,
//		Reference: time.Now(),
//	}, nil)
//
// A failed episode returns a *types.UnitError naming the stage and failure
// kind, and nothing is written. Failures of single entities or facts are
// isolated into result.Results.ItemErrors unless AllOrNothing is set.
//
// ProcessEpisodes handles a batch: episodes of one group are processed in
// reference time order, separate groups concurrently.
//
// # Checkpoints
//
// With a checkpoint store configured every completed stage is saved, and a
// retried episode continues after the last completed stage.
package chronograph
