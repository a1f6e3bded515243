package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/internal/utils"
)

// ManagerOptions configures a new Manager.
type ManagerOptions struct {
	// QueueFamilyIndex selects the family the command pool allocates for.
	// It must match the family of the queue handed to NewManager.
	QueueFamilyIndex int

	// UseMutex guards the recorder list for allocation from multiple
	// threads. Recording itself is still single-threaded per Recorder.
	UseMutex bool
}

// Manager owns a command pool and hands out Recorders backed by buffers
// allocated from it. Destroying the manager destroys the pool and with it
// every buffer the manager ever allocated.
type Manager struct {
	logger *slog.Logger
	device core1_0.Device
	queue  core1_0.Queue
	pool   core1_0.CommandPool

	mutex     utils.OptionalMutex
	recorders []*Recorder
}

// NewManager creates a command pool for the given queue family. Buffers
// are created individually resettable so Recorder.Reset works without
// recycling the whole pool.
func NewManager(logger *slog.Logger, device core1_0.Device, queue core1_0.Queue, options ManagerOptions) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a command Manager with a nil Device")
	}
	if queue == nil {
		return nil, errors.New("attempted to create a command Manager with a nil Queue")
	}

	pool, res, err := device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		logger.Error("failed to create command pool",
			slog.Int("QueueFamilyIndex", options.QueueFamilyIndex),
			slog.String("Result", res.String()),
		)
		return nil, err
	}

	return &Manager{
		logger: logger,
		device: device,
		queue:  queue,
		pool:   pool,
		mutex:  utils.OptionalMutex{UseMutex: options.UseMutex},
	}, nil
}

// Pool returns the underlying command pool.
func (m *Manager) Pool() core1_0.CommandPool {
	return m.pool
}

// AllocateRecorders allocates count primary command buffers from the pool
// and wraps each in a Recorder.
func (m *Manager) AllocateRecorders(count int) ([]*Recorder, error) {
	if count < 1 {
		return nil, errors.Newf("requested recorder count %d is not a positive integer", count)
	}

	buffers, res, err := m.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        m.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		m.logger.Error("failed to allocate command buffers",
			slog.Int("Count", count),
			slog.String("Result", res.String()),
		)
		return nil, err
	}

	recorders := make([]*Recorder, 0, count)
	for _, buffer := range buffers {
		recorders = append(recorders, NewRecorder(m.logger, buffer))
	}

	m.mutex.Lock()
	m.recorders = append(m.recorders, recorders...)
	m.mutex.Unlock()

	return recorders, nil
}

// AllocateRecorder allocates a single Recorder.
func (m *Manager) AllocateRecorder() (*Recorder, error) {
	recorders, err := m.AllocateRecorders(1)
	if err != nil {
		return nil, err
	}
	return recorders[0], nil
}

// FreeRecorder returns a Recorder's buffer to the pool. The Recorder must
// not be used afterward.
func (m *Manager) FreeRecorder(recorder *Recorder) error {
	if recorder == nil {
		return nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, candidate := range m.recorders {
		if candidate == recorder {
			m.recorders = append(m.recorders[:i], m.recorders[i+1:]...)
			m.device.FreeCommandBuffers([]core1_0.CommandBuffer{recorder.CommandBuffer()})
			return nil
		}
	}

	return errors.New("attempted to free a recorder this manager does not own")
}

// RecorderCount returns the number of live Recorders.
func (m *Manager) RecorderCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.recorders)
}

// ResetAll recycles the pool, returning every allocated buffer to the
// initial state. Recordings in progress are abandoned.
func (m *Manager) ResetAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, err := m.pool.Reset(0)
	if err != nil {
		m.logger.Error("failed to reset command pool", slog.String("Result", res.String()))
		return err
	}

	for _, recorder := range m.recorders {
		recorder.state = stateNotRecording
	}
	return nil
}

// WaitForAll blocks until the queue has drained every submitted command
// buffer.
func (m *Manager) WaitForAll() error {
	res, err := m.queue.WaitIdle()
	if err != nil {
		m.logger.Error("failed to wait for queue idle", slog.String("Result", res.String()))
		return err
	}
	return nil
}

// SubmitOneShot allocates a transient command buffer, records into it via
// record, submits it, and blocks until the queue drains it. This is the
// path for one-shot transfer work like staging uploads; the buffer is
// freed before returning.
func (m *Manager) SubmitOneShot(record func(recorder *Recorder) error) error {
	buffers, res, err := m.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        m.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		m.logger.Error("failed to allocate a one-shot command buffer", slog.String("Result", res.String()))
		return err
	}
	defer m.device.FreeCommandBuffers(buffers)

	recorder := NewRecorder(m.logger, buffers[0])
	err = recorder.BeginRecording(core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return err
	}

	err = record(recorder)
	if err != nil {
		return errors.Wrap(err, "one-shot recording callback failed")
	}

	err = recorder.EndRecording()
	if err != nil {
		return err
	}

	_, err = m.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{buffers[0]},
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit a one-shot command buffer")
	}

	_, err = m.queue.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "failed to wait for a one-shot command buffer")
	}

	return nil
}

// Destroy destroys the command pool, freeing every buffer allocated from
// it. Outstanding Recorders become invalid.
func (m *Manager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.pool != nil {
		m.pool.Destroy(nil)
		m.pool = nil
	}
	m.recorders = nil
}
