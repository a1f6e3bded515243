// Package pipeline builds graphics pipelines, caches their compiled state
// across runs, and tracks named pipeline objects for the renderer.
package pipeline

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/internal/utils"
)

// Options configures a new pipeline System.
type Options struct {
	// RenderPass is the default render pass for pipelines that do not
	// carry their own.
	RenderPass core1_0.RenderPass

	// EnableCache creates a pipeline cache object up front, seeded with
	// InitialCacheData when present.
	EnableCache      bool
	InitialCacheData []byte

	// UseMutex guards the pipeline table for concurrent creation.
	UseMutex bool
}

// System owns every pipeline it creates, keyed by name. Pipelines made
// through CreateGraphicsPipeline get a generated name derived from their
// stages, layout, and render pass; CreatePipelineState is the
// caller-named alternative.
type System struct {
	logger *slog.Logger
	device core1_0.Device

	mutex      utils.OptionalRWMutex
	renderPass core1_0.RenderPass
	states     *swiss.Map[string, core1_0.Pipeline]

	cache core1_0.PipelineCache
}

// NewSystem creates a pipeline System for a logical device.
func NewSystem(logger *slog.Logger, device core1_0.Device, options Options) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a pipeline System with a nil Device")
	}

	s := &System{
		logger:     logger,
		device:     device,
		mutex:      utils.OptionalRWMutex{UseMutex: options.UseMutex},
		renderPass: options.RenderPass,
		states:     swiss.NewMap[string, core1_0.Pipeline](16),
	}

	if options.EnableCache {
		err := s.createCache(options.InitialCacheData)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// SetRenderPass replaces the default render pass used by pipelines that
// do not carry their own, typically after a swapchain recreation.
func (s *System) SetRenderPass(renderPass core1_0.RenderPass) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.renderPass = renderPass
}

// CreateGraphicsPipeline validates createInfo, builds the pipeline through
// the cache when one is enabled, and registers it under a name generated
// from the stages, layout, and render pass. Rebuilding the same
// combination replaces (and destroys) the previous pipeline.
func (s *System) CreateGraphicsPipeline(createInfo core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	if createInfo.RenderPass == nil {
		s.mutex.RLock()
		createInfo.RenderPass = s.renderPass
		s.mutex.RUnlock()
	}

	err := validateCreateInfo(createInfo)
	if err != nil {
		s.logger.Error("rejected pipeline create info", slog.Any("Error", err))
		return nil, err
	}

	return s.createAndRegister(generatedName(createInfo), createInfo)
}

// CreatePipelineFromConfig expands a compact Config into the full
// fixed-function block and creates the pipeline. Viewport and scissor are
// always dynamic, so the result needs no rebuild on resize.
func (s *System) CreatePipelineFromConfig(config Config) (core1_0.Pipeline, error) {
	return s.CreateGraphicsPipeline(config.expand())
}

// CreatePipelineLayoutFromConfig builds a pipeline layout from descriptor
// set layouts and push constant ranges.
func (s *System) CreatePipelineLayoutFromConfig(setLayouts []core1_0.DescriptorSetLayout, pushConstantRanges []core1_0.PushConstantRange) (core1_0.PipelineLayout, error) {
	layout, res, err := s.device.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts:         setLayouts,
		PushConstantRanges: pushConstantRanges,
	})
	if err != nil {
		s.logger.Error("failed to create pipeline layout", slog.String("Result", res.String()))
		return nil, err
	}

	return layout, nil
}

// CreatePipelineState validates createInfo and registers the resulting
// pipeline under a caller-chosen name.
func (s *System) CreatePipelineState(name string, createInfo core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	if name == "" {
		return nil, errors.New("attempted to create a pipeline state with an empty name")
	}
	if createInfo.RenderPass == nil {
		s.mutex.RLock()
		createInfo.RenderPass = s.renderPass
		s.mutex.RUnlock()
	}

	err := validateCreateInfo(createInfo)
	if err != nil {
		s.logger.Error("rejected pipeline create info",
			slog.String("Pipeline", name),
			slog.Any("Error", err),
		)
		return nil, err
	}

	return s.createAndRegister(name, createInfo)
}

func (s *System) createAndRegister(name string, createInfo core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	s.mutex.Lock()
	cache := s.cache
	s.mutex.Unlock()

	pipelines, res, err := s.device.CreateGraphicsPipelines(cache, nil, []core1_0.GraphicsPipelineCreateInfo{createInfo})
	if err != nil {
		s.logger.Error("failed to create graphics pipeline",
			slog.String("Pipeline", name),
			slog.String("Result", res.String()),
		)
		return nil, err
	}
	pipeline := pipelines[0]

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.states.Get(name); ok {
		s.logger.Debug("replacing pipeline", slog.String("Pipeline", name))
		existing.Destroy(nil)
	}
	s.states.Put(name, pipeline)

	s.logger.Debug("System::CreateGraphicsPipeline", slog.String("Pipeline", name))
	return pipeline, nil
}

// PipelineState looks a pipeline up by name.
func (s *System) PipelineState(name string) (core1_0.Pipeline, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.states.Get(name)
}

// DestroyPipelineState destroys a named pipeline and drops it from the
// table.
func (s *System) DestroyPipelineState(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pipeline, ok := s.states.Get(name)
	if !ok {
		return errors.Newf("no pipeline named %q exists", name)
	}

	pipeline.Destroy(nil)
	s.states.Delete(name)
	return nil
}

// DestroyAllPipelineStates destroys every tracked pipeline. The cache, if
// enabled, survives so the rebuilt pipelines compile quickly.
func (s *System) DestroyAllPipelineStates() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.states.Iter(func(name string, pipeline core1_0.Pipeline) bool {
		pipeline.Destroy(nil)
		return false
	})
	s.states = swiss.NewMap[string, core1_0.Pipeline](16)
}

// Count returns the number of tracked pipelines.
func (s *System) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.states.Count()
}

// EnablePipelineCache toggles the pipeline cache object. Enabling when a
// cache already exists is a no-op; disabling destroys the cache and its
// accumulated state.
func (s *System) EnablePipelineCache(enable bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if enable {
		if s.cache != nil {
			return nil
		}
		return s.createCacheLocked(nil)
	}

	if s.cache != nil {
		s.cache.Destroy(nil)
		s.cache = nil
	}
	return nil
}

// CacheData serializes the pipeline cache into an opaque blob suitable
// for LoadCache on a later run.
func (s *System) CacheData() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.cache == nil {
		return nil, errors.New("the pipeline cache is not enabled")
	}

	data, res, err := s.cache.CacheData()
	if err != nil {
		s.logger.Error("failed to read pipeline cache data", slog.String("Result", res.String()))
		return nil, err
	}

	return data, nil
}

// SaveCache writes the serialized cache blob to a file.
func (s *System) SaveCache(path string) error {
	data, err := s.CacheData()
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to write pipeline cache to %s", path)
	}

	s.logger.Debug("System::SaveCache",
		slog.String("Path", path),
		slog.Int("Bytes", len(data)),
	)
	return nil
}

// LoadCache replaces the cache object with one seeded from a blob written
// by SaveCache. The driver discards blobs it does not recognize, so a
// stale file degrades to an empty cache rather than an error.
func (s *System) LoadCache(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read pipeline cache from %s", path)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cache != nil {
		s.cache.Destroy(nil)
		s.cache = nil
	}

	return s.createCacheLocked(data)
}

func (s *System) createCache(initialData []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.createCacheLocked(initialData)
}

func (s *System) createCacheLocked(initialData []byte) error {
	cache, res, err := s.device.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{
		InitialData: initialData,
	})
	if err != nil {
		s.logger.Error("failed to create pipeline cache", slog.String("Result", res.String()))
		return err
	}

	s.cache = cache
	return nil
}

// Destroy tears down every pipeline and the cache.
func (s *System) Destroy() {
	s.DestroyAllPipelineStates()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cache != nil {
		s.cache.Destroy(nil)
		s.cache = nil
	}
}

func validateCreateInfo(createInfo core1_0.GraphicsPipelineCreateInfo) error {
	if len(createInfo.Stages) < 1 {
		return errors.New("a graphics pipeline requires at least one shader stage")
	}
	if createInfo.Layout == nil {
		return errors.New("a graphics pipeline requires a pipeline layout")
	}
	if createInfo.RenderPass == nil {
		return errors.New("a graphics pipeline requires a render pass")
	}
	return nil
}

// generatedName is deterministic for a given stage set, layout, and render
// pass, so rebuilding the same combination lands on the same table entry.
func generatedName(createInfo core1_0.GraphicsPipelineCreateInfo) string {
	var stageFlags core1_0.ShaderStageFlags
	for _, stage := range createInfo.Stages {
		stageFlags |= core1_0.ShaderStageFlags(stage.Stage)
	}

	return fmt.Sprintf("Pipeline_%s_L%p_R%p", stageFlags.String(), createInfo.Layout, createInfo.RenderPass)
}
