package chronograph

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soundprediction/chronograph/pkg/checkpoint"
	"github.com/soundprediction/chronograph/pkg/driver"
	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/search"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
	"github.com/soundprediction/chronograph/pkg/utils/maintenance"
)

// DefaultPreviousEpisodes is how many earlier episodes are given to the
// language model as context when ProcessOptions does not say otherwise.
const DefaultPreviousEpisodes = 3

var (
	// ErrNoDriver is returned by NewClient without a graph driver.
	ErrNoDriver = errors.New("graph driver is required")
	// ErrNoLanguageModel is returned by NewClient without a language model.
	ErrNoLanguageModel = errors.New("language model client is required")
)

// Client runs episodes through the extraction and resolution pipeline and
// commits the outcome to the graph.
type Client struct {
	driver      driver.GraphDriver
	nlp         nlp.Client
	embedder    embedder.Client
	searcher    *search.Searcher
	checkpoints checkpoint.Store
	config      *Config
	logger      *slog.Logger

	nodeOps      *maintenance.NodeOperations
	edgeOps      *maintenance.EdgeOperations
	attributeOps *maintenance.AttributeOperations

	// closers are released by Close in reverse order
	closers []func() error
}

// LanguageModels holds specialised clients for individual pipeline steps.
// Nil entries fall back to the client given to NewClient.
type LanguageModels struct {
	NodeExtraction     nlp.Client
	NodeReflexion      nlp.Client
	NodeClassification nlp.Client
	NodeResolution     nlp.Client
	EdgeExtraction     nlp.Client
	EdgeReflexion      nlp.Client
	EdgeResolution     nlp.Client
	Attributes         nlp.Client
}

// Config holds configuration for the Client.
type Config struct {
	// GroupID is used for episodes that carry none.
	GroupID string
	// EntityTypes and EdgeTypes are the defaults when ProcessOptions sets none.
	EntityTypes []types.EntityTypeDefinition
	EdgeTypes   []types.EdgeTypeDefinition

	Search search.Config

	NodeReflexionRounds int
	EdgeReflexionRounds int
	ClassifyNodes       bool
	ResolutionVotes     int
	// Concurrency bounds parallel fact resolution, attribute backfill and
	// episodes processed by ProcessEpisodes.
	Concurrency        int
	LenientParsing     bool
	GenerateEmbeddings bool
	EmbeddingBatchSize int

	// Checkpoints enables stage checkpoints so a failed episode can resume.
	Checkpoints checkpoint.Store
	// Prompts overrides the built-in prompt library.
	Prompts prompts.Library

	LanguageModels LanguageModels
}

// ProcessOptions holds per-call options for ProcessEpisode.
type ProcessOptions struct {
	// EntityTypes custom entity type definitions
	EntityTypes []types.EntityTypeDefinition
	// ExcludedEntityTypes entity types to drop after extraction
	ExcludedEntityTypes []string
	// EdgeTypes custom fact type definitions
	EdgeTypes []types.EdgeTypeDefinition
	// PreviousEpisodes is how many earlier episodes are loaded as context.
	// Zero uses DefaultPreviousEpisodes, a negative value loads none.
	PreviousEpisodes int
	// CustomPrompt is appended to the extraction instructions.
	CustomPrompt string

	// DeferCommit returns the results without writing them.
	DeferCommit bool
	// AllOrNothing fails the episode when any single entity or fact fails.
	AllOrNothing bool

	SkipAttributes bool
}

// EpisodeResult is the outcome of one ProcessEpisode call.
type EpisodeResult struct {
	Episode types.Episode
	Results *types.ExtractionResults
	// Committed is false when DeferCommit was requested.
	Committed bool
	// ResumedFrom is the checkpoint step the run continued from, if any.
	ResumedFrom checkpoint.Step
}

// NewClient creates a new Client. embedderClient may be nil, in which case
// candidate search is lexical only and no embeddings are stored.
func NewClient(graph driver.GraphDriver, nlpClient nlp.Client, embedderClient embedder.Client, config *Config, logger *slog.Logger) (*Client, error) {
	if graph == nil {
		return nil, ErrNoDriver
	}
	if nlpClient == nil {
		return nil, ErrNoLanguageModel
	}
	if config == nil {
		config = &Config{}
	}
	if config.GroupID == "" {
		config.GroupID = "default"
	}
	if config.Concurrency <= 0 {
		config.Concurrency = utils.GetSemaphoreLimit()
	}
	if config.ResolutionVotes <= 0 {
		config.ResolutionVotes = 1
	}
	if config.Prompts == nil {
		config.Prompts = prompts.NewLibrary()
	}
	if logger == nil {
		logger = slog.Default()
	}

	searcher := search.NewSearcher(graph, embedderClient, config.Search)
	searcher.SetLogger(logger)

	models := config.LanguageModels
	nodeOps := maintenance.NewNodeOperations(nlpClient, config.Prompts)
	nodeOps.SetLogger(logger)
	nodeOps.ExtractionNLP = models.NodeExtraction
	nodeOps.ReflexionNLP = models.NodeReflexion
	nodeOps.ClassificationNLP = models.NodeClassification
	nodeOps.ResolutionNLP = models.NodeResolution
	nodeOps.ReflexionRounds = config.NodeReflexionRounds
	nodeOps.ClassifyNodes = config.ClassifyNodes
	nodeOps.ResolutionVotes = config.ResolutionVotes
	nodeOps.LenientParsing = config.LenientParsing

	edgeOps := maintenance.NewEdgeOperations(nlpClient, config.Prompts)
	edgeOps.SetLogger(logger)
	edgeOps.ExtractionNLP = models.EdgeExtraction
	edgeOps.ReflexionNLP = models.EdgeReflexion
	edgeOps.ResolutionNLP = models.EdgeResolution
	edgeOps.ReflexionRounds = config.EdgeReflexionRounds
	edgeOps.Concurrency = config.Concurrency
	edgeOps.LenientParsing = config.LenientParsing

	attributeClient := nlpClient
	if models.Attributes != nil {
		attributeClient = models.Attributes
	}
	attributeOps := maintenance.NewAttributeOperations(attributeClient, config.Prompts)
	attributeOps.SetLogger(logger)
	attributeOps.Concurrency = config.Concurrency
	attributeOps.LenientParsing = config.LenientParsing

	return &Client{
		driver:       graph,
		nlp:          nlpClient,
		embedder:     embedderClient,
		searcher:     searcher,
		checkpoints:  config.Checkpoints,
		config:       config,
		logger:       logger,
		nodeOps:      nodeOps,
		edgeOps:      edgeOps,
		attributeOps: attributeOps,
	}, nil
}

// GetDriver returns the underlying graph driver
func (c *Client) GetDriver() driver.GraphDriver {
	return c.driver
}

// Searcher returns the candidate searcher used during resolution.
func (c *Client) Searcher() *search.Searcher {
	return c.searcher
}

// EdgeOperations exposes the fact engines, including temporal helpers.
func (c *Client) EdgeOperations() *maintenance.EdgeOperations {
	return c.edgeOps
}

// NodeOperations exposes the entity engines.
func (c *Client) NodeOperations() *maintenance.NodeOperations {
	return c.nodeOps
}

// Close releases everything the client was built with. It is safe to call
// with a client from NewClient; then only the driver, clients and
// checkpoint store are closed.
func (c *Client) Close() error {
	var errs []error
	if c.closers != nil {
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if c.checkpoints != nil {
		errs = append(errs, c.checkpoints.Close())
	}
	if c.embedder != nil {
		errs = append(errs, c.embedder.Close())
	}
	errs = append(errs, c.nlp.Close(), c.driver.Close())
	return errors.Join(errs...)
}

func (c *Client) entityTypes(options *ProcessOptions) []types.EntityTypeDefinition {
	if len(options.EntityTypes) > 0 {
		return options.EntityTypes
	}
	return c.config.EntityTypes
}

func (c *Client) edgeTypes(options *ProcessOptions) []types.EdgeTypeDefinition {
	if len(options.EdgeTypes) > 0 {
		return options.EdgeTypes
	}
	return c.config.EdgeTypes
}

func previousEpisodeCount(options *ProcessOptions) int {
	switch {
	case options.PreviousEpisodes < 0:
		return 0
	case options.PreviousEpisodes == 0:
		return DefaultPreviousEpisodes
	}
	return options.PreviousEpisodes
}

// prepareEpisode fills the defaults an episode may omit.
func (c *Client) prepareEpisode(episode types.Episode) (types.Episode, error) {
	if err := episode.Validate(); err != nil {
		return episode, types.NewUnitError(types.UnitEpisode, episode.ID, stagePrepare, types.FailureValidation, err)
	}
	if episode.ID == "" {
		episode.ID = utils.GenerateUUID()
	}
	if episode.GroupID == "" {
		episode.GroupID = c.config.GroupID
	}
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = time.Now().UTC()
	}
	if episode.Name == "" {
		episode.Name = episode.ID
	}
	return episode, nil
}
