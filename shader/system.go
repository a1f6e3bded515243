// Package shader loads SPIR-V programs into shader modules, tracks them by
// name, and reloads them from disk when their sources change.
package shader

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/internal/utils"
)

const defaultEntryPoint = "main"

// Shader is a loaded vertex/fragment program pair. Instances are owned by
// the System that loaded them and become invalid after UnloadShader,
// ReloadShader, or Destroy.
type Shader struct {
	name string

	vertexModule   core1_0.ShaderModule
	fragmentModule core1_0.ShaderModule

	vertexPath   string
	fragmentPath string

	reflection Reflection
}

// Name returns the name the shader was registered under.
func (s *Shader) Name() string { return s.name }

// VertexModule returns the compiled vertex stage.
func (s *Shader) VertexModule() core1_0.ShaderModule { return s.vertexModule }

// FragmentModule returns the compiled fragment stage.
func (s *Shader) FragmentModule() core1_0.ShaderModule { return s.fragmentModule }

// Reflection returns the metadata recovered from the shader's bytecode.
func (s *Shader) Reflection() Reflection { return s.reflection }

// StageInfos builds the two pipeline stage declarations for this program,
// ready to drop into a graphics pipeline.
func (s *Shader) StageInfos() []core1_0.PipelineShaderStageCreateInfo {
	return []core1_0.PipelineShaderStageCreateInfo{
		{
			Stage:  core1_0.StageVertex,
			Module: s.vertexModule,
			Name:   defaultEntryPoint,
		},
		{
			Stage:  core1_0.StageFragment,
			Module: s.fragmentModule,
			Name:   defaultEntryPoint,
		},
	}
}

func (s *Shader) destroyModules() {
	if s.vertexModule != nil {
		s.vertexModule.Destroy(nil)
		s.vertexModule = nil
	}
	if s.fragmentModule != nil {
		s.fragmentModule.Destroy(nil)
		s.fragmentModule = nil
	}
}

// Options configures a new shader System.
type Options struct {
	// UseMutex guards the shader table for concurrent loads.
	UseMutex bool
}

// System owns every loaded shader module and the name table that finds
// them. All modules are destroyed together in Destroy; individual
// programs come and go through LoadShader and UnloadShader.
type System struct {
	logger *slog.Logger
	device core1_0.Device

	mutex   utils.OptionalRWMutex
	shaders *swiss.Map[string, *Shader]

	watcher *Watcher
}

// NewSystem creates a shader System for a logical device.
func NewSystem(logger *slog.Logger, device core1_0.Device, options Options) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a shader System with a nil Device")
	}

	return &System{
		logger:  logger,
		device:  device,
		mutex:   utils.OptionalRWMutex{UseMutex: options.UseMutex},
		shaders: swiss.NewMap[string, *Shader](16),
	}, nil
}

// LoadShader reads two SPIR-V files and registers the program under name.
// Loading a name that already exists destroys the previous modules first,
// so pipelines referencing them must be rebuilt by the caller.
func (s *System) LoadShader(name, vertexPath, fragmentPath string) (*Shader, error) {
	vertexCode, err := readSPIRVFile(vertexPath)
	if err != nil {
		return nil, err
	}
	fragmentCode, err := readSPIRVFile(fragmentPath)
	if err != nil {
		return nil, err
	}

	shader, err := s.loadFromWords(name, vertexCode, fragmentCode)
	if err != nil {
		return nil, err
	}

	shader.vertexPath = vertexPath
	shader.fragmentPath = fragmentPath

	if s.watcher != nil {
		s.watcher.track(name, vertexPath, fragmentPath)
	}

	return shader, nil
}

// LoadShaderFromSPIRV registers a program from in-memory bytecode. The
// resulting shader has no source paths and is never hot-reloaded.
func (s *System) LoadShaderFromSPIRV(name string, vertexCode, fragmentCode []uint32) (*Shader, error) {
	return s.loadFromWords(name, vertexCode, fragmentCode)
}

func (s *System) loadFromWords(name string, vertexCode, fragmentCode []uint32) (*Shader, error) {
	if name == "" {
		return nil, errors.New("attempted to load a shader with an empty name")
	}

	vertexModule, res, err := s.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: vertexCode,
	})
	if err != nil {
		s.logger.Error("failed to create vertex shader module",
			slog.String("Shader", name),
			slog.String("Result", res.String()),
		)
		return nil, err
	}

	fragmentModule, res, err := s.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: fragmentCode,
	})
	if err != nil {
		s.logger.Error("failed to create fragment shader module",
			slog.String("Shader", name),
			slog.String("Result", res.String()),
		)
		vertexModule.Destroy(nil)
		return nil, err
	}

	reflection, err := Reflect(vertexCode, fragmentCode)
	if err != nil {
		// Reflection is advisory; a shader that defeats the scanner still
		// loads, it just reports no bindings.
		s.logger.Warn("shader reflection failed",
			slog.String("Shader", name),
			slog.Any("Error", err),
		)
		reflection = Reflection{}
	}

	shader := &Shader{
		name:           name,
		vertexModule:   vertexModule,
		fragmentModule: fragmentModule,
		reflection:     reflection,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.shaders.Get(name); ok {
		s.logger.Debug("replacing loaded shader", slog.String("Shader", name))
		existing.destroyModules()
	}
	s.shaders.Put(name, shader)

	s.logger.Debug("System::LoadShader", slog.String("Shader", name))
	return shader, nil
}

// Shader looks a program up by name.
func (s *System) Shader(name string) (*Shader, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.shaders.Get(name)
}

// VertexModule returns the vertex stage of a named program.
func (s *System) VertexModule(name string) (core1_0.ShaderModule, bool) {
	shader, ok := s.Shader(name)
	if !ok {
		return nil, false
	}
	return shader.vertexModule, true
}

// FragmentModule returns the fragment stage of a named program.
func (s *System) FragmentModule(name string) (core1_0.ShaderModule, bool) {
	shader, ok := s.Shader(name)
	if !ok {
		return nil, false
	}
	return shader.fragmentModule, true
}

// Reflection returns the recovered metadata of a named program.
func (s *System) Reflection(name string) (Reflection, bool) {
	shader, ok := s.Shader(name)
	if !ok {
		return Reflection{}, false
	}
	return shader.reflection, true
}

// StageInfos returns the pipeline stage declarations of a named program.
func (s *System) StageInfos(name string) ([]core1_0.PipelineShaderStageCreateInfo, bool) {
	shader, ok := s.Shader(name)
	if !ok {
		return nil, false
	}
	return shader.StageInfos(), true
}

// UnloadShader destroys a program's modules and drops it from the table.
// Unloading a name that is not registered fails.
func (s *System) UnloadShader(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	shader, ok := s.shaders.Get(name)
	if !ok {
		return errors.Newf("no shader named %q is loaded", name)
	}

	shader.destroyModules()
	s.shaders.Delete(name)

	if s.watcher != nil {
		s.watcher.untrack(name)
	}

	s.logger.Debug("System::UnloadShader", slog.String("Shader", name))
	return nil
}

// ReloadShader re-reads a program's source files and replaces its modules.
// Programs loaded from in-memory bytecode cannot be reloaded.
func (s *System) ReloadShader(name string) error {
	s.mutex.RLock()
	shader, ok := s.shaders.Get(name)
	s.mutex.RUnlock()

	if !ok {
		return errors.Newf("no shader named %q is loaded", name)
	}
	if shader.vertexPath == "" || shader.fragmentPath == "" {
		return errors.Newf("shader %q was loaded from memory and has no source paths", name)
	}

	_, err := s.LoadShader(name, shader.vertexPath, shader.fragmentPath)
	if err != nil {
		return errors.Wrapf(err, "failed to reload shader %q", name)
	}

	s.logger.Info("reloaded shader", slog.String("Shader", name))
	return nil
}

// Count returns the number of loaded programs.
func (s *System) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.shaders.Count()
}

// Destroy unloads every program and stops the watcher if one is running.
func (s *System) Destroy() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.shaders.Iter(func(name string, shader *Shader) bool {
		shader.destroyModules()
		return false
	})
	s.shaders = swiss.NewMap[string, *Shader](0)

	if s.watcher != nil {
		s.watcher.stop()
		s.watcher = nil
	}
}

func readSPIRVFile(path string) ([]uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read SPIR-V file %s", path)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, errors.Newf("SPIR-V file %s has invalid length %d", path, len(raw))
	}

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	if words[0] != spirvMagic {
		return nil, errors.Newf("file %s is not SPIR-V bytecode", path)
	}

	return words, nil
}
