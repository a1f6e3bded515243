// Package framesync owns the per-frame synchronization objects of a
// render loop: the semaphore chain between image acquisition, queue
// submission, and presentation, and the fences that keep the CPU at most
// a fixed number of frames ahead of the GPU.
package framesync

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"
)

// WaitForever blocks a fence or acquire wait indefinitely.
const WaitForever = common.NoTimeout

// ErrSwapchainOutOfDate signals that the swapchain no longer matches the
// surface and must be recreated before the next frame. It is recoverable:
// rebuild the swapchain, call RecreateSyncObjects, and continue.
var ErrSwapchainOutOfDate = errors.New("the swapchain is out of date")

// ImageSource hands out swapchain image indices.
// khr_swapchain.Swapchain satisfies it.
type ImageSource interface {
	AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore, fence core1_0.Fence) (int, common.VkResult, error)
}

// Presenter queues rendered images for presentation.
// khr_swapchain.Extension satisfies it.
type Presenter interface {
	QueuePresent(queue core1_0.Queue, o khr_swapchain.PresentInfo) (common.VkResult, error)
}

// Controller runs the synchronization of a frame loop with a fixed number
// of frames in flight. All methods must be called from the render thread.
type Controller struct {
	logger *slog.Logger
	device core1_0.Device

	maxFramesInFlight int

	imageAvailable []core1_0.Semaphore
	renderFinished []core1_0.Semaphore
	inFlightFences []core1_0.Fence

	// imagesInFlight maps swapchain image index to the fence of the frame
	// last rendered into it.
	imagesInFlight []core1_0.Fence

	currentFrame   int
	framesInFlight int

	frameStart        time.Duration
	lastFrameDuration time.Duration
}

// NewController creates the semaphores and fences for maxFramesInFlight
// concurrent frames. Fences start signaled so the first BeginFrame does
// not wait.
func NewController(logger *slog.Logger, device core1_0.Device, maxFramesInFlight int) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("attempted to create a frame sync Controller with a nil Device")
	}
	if maxFramesInFlight < 1 {
		return nil, errors.Newf("maxFramesInFlight must be at least 1, got %d", maxFramesInFlight)
	}

	c := &Controller{
		logger:            logger,
		device:            device,
		maxFramesInFlight: maxFramesInFlight,
	}

	err := c.createSyncObjects()
	if err != nil {
		c.destroySyncObjects()
		return nil, err
	}

	return c, nil
}

func (c *Controller) createSyncObjects() error {
	for i := 0; i < c.maxFramesInFlight; i++ {
		available, res, err := c.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			c.logger.Error("failed to create image-available semaphore", slog.String("Result", res.String()))
			return err
		}
		c.imageAvailable = append(c.imageAvailable, available)

		finished, res, err := c.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			c.logger.Error("failed to create render-finished semaphore", slog.String("Result", res.String()))
			return err
		}
		c.renderFinished = append(c.renderFinished, finished)

		fence, res, err := c.device.CreateFence(nil, core1_0.FenceCreateInfo{
			Flags: core1_0.FenceCreateSignaled,
		})
		if err != nil {
			c.logger.Error("failed to create in-flight fence", slog.String("Result", res.String()))
			return err
		}
		c.inFlightFences = append(c.inFlightFences, fence)
	}

	return nil
}

func (c *Controller) destroySyncObjects() {
	for _, semaphore := range c.imageAvailable {
		semaphore.Destroy(nil)
	}
	for _, semaphore := range c.renderFinished {
		semaphore.Destroy(nil)
	}
	for _, fence := range c.inFlightFences {
		fence.Destroy(nil)
	}

	c.imageAvailable = nil
	c.renderFinished = nil
	c.inFlightFences = nil
	c.imagesInFlight = nil
}

// BeginFrame waits for the current frame slot's previous work to finish,
// resets its fence, and starts the frame timer. Use WaitForever for an
// unbounded wait.
func (c *Controller) BeginFrame(timeout time.Duration) error {
	fences := []core1_0.Fence{c.inFlightFences[c.currentFrame]}

	res, err := c.device.WaitForFences(true, timeout, fences)
	if err != nil {
		return errors.Wrap(err, "failed to wait for the in-flight fence")
	}
	if res == core1_0.VKTimeout {
		return errors.Newf("frame %d did not complete within %s", c.currentFrame, timeout)
	}

	_, err = c.device.ResetFences(fences)
	if err != nil {
		return errors.Wrap(err, "failed to reset the in-flight fence")
	}

	c.framesInFlight++
	c.frameStart = hrtime.Now()
	return nil
}

// AcquireNextImage asks the swapchain for the next image, signaling this
// frame's image-available semaphore. An out-of-date swapchain returns
// ErrSwapchainOutOfDate; recover by recreating the swapchain and calling
// RecreateSyncObjects.
func (c *Controller) AcquireNextImage(swapchain ImageSource, timeout time.Duration) (int, error) {
	imageIndex, res, err := swapchain.AcquireNextImage(timeout, c.imageAvailable[c.currentFrame], nil)
	if res == khr_swapchain.VKErrorOutOfDate {
		return -1, ErrSwapchainOutOfDate
	}
	if err != nil {
		return -1, errors.Wrap(err, "failed to acquire a swapchain image")
	}

	// If an earlier frame is still rendering into this image, wait it out
	// before reusing the image.
	for len(c.imagesInFlight) <= imageIndex {
		c.imagesInFlight = append(c.imagesInFlight, nil)
	}
	if c.imagesInFlight[imageIndex] != nil {
		_, err = c.imagesInFlight[imageIndex].Wait(WaitForever)
		if err != nil {
			return -1, errors.Wrap(err, "failed to wait for the image's previous frame")
		}
	}
	c.imagesInFlight[imageIndex] = c.inFlightFences[c.currentFrame]

	return imageIndex, nil
}

// Submit sends command buffers to the queue with the frame's semaphore
// chain: wait on image-available at color attachment output, signal
// render-finished and the in-flight fence.
func (c *Controller) Submit(queue core1_0.Queue, commandBuffers []core1_0.CommandBuffer) error {
	res, err := queue.Submit(c.inFlightFences[c.currentFrame], []core1_0.SubmitInfo{
		{
			WaitSemaphores:   []core1_0.Semaphore{c.imageAvailable[c.currentFrame]},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   commandBuffers,
			SignalSemaphores: []core1_0.Semaphore{c.renderFinished[c.currentFrame]},
		},
	})
	if err != nil {
		c.logger.Error("queue submission failed", slog.String("Result", res.String()))
		return err
	}

	return nil
}

// Present queues the image for presentation once render-finished signals.
// A suboptimal or out-of-date swapchain returns ErrSwapchainOutOfDate;
// the submitted frame still completes, so finish it with EndFrame before
// recreating.
func (c *Controller) Present(queue core1_0.Queue, presenter Presenter, swapchain khr_swapchain.Swapchain, imageIndex int) error {
	res, err := presenter.QueuePresent(queue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{c.renderFinished[c.currentFrame]},
		Swapchains:     []khr_swapchain.Swapchain{swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		return ErrSwapchainOutOfDate
	}
	if err != nil {
		return errors.Wrap(err, "failed to present the swapchain image")
	}

	return nil
}

// EndFrame closes the frame's CPU-side bookkeeping and samples the frame
// timer. Call it after Present, whether or not Present reported an
// out-of-date swapchain.
func (c *Controller) EndFrame() {
	if c.framesInFlight == 0 {
		c.logger.Warn("EndFrame called without a matching BeginFrame")
		return
	}

	c.framesInFlight--
	c.lastFrameDuration = hrtime.Now() - c.frameStart
}

// NextFrame advances to the next frame slot.
func (c *Controller) NextFrame() {
	c.currentFrame = (c.currentFrame + 1) % c.maxFramesInFlight
}

// CurrentFrame returns the active frame slot, in [0, MaxFramesInFlight).
func (c *Controller) CurrentFrame() int {
	return c.currentFrame
}

// FramesInFlight returns the number of frames begun but not ended.
func (c *Controller) FramesInFlight() int {
	return c.framesInFlight
}

// MaxFramesInFlight returns the frame slot count.
func (c *Controller) MaxFramesInFlight() int {
	return c.maxFramesInFlight
}

// ImageAvailableSemaphore returns the current frame's acquire semaphore.
func (c *Controller) ImageAvailableSemaphore() core1_0.Semaphore {
	return c.imageAvailable[c.currentFrame]
}

// RenderFinishedSemaphore returns the current frame's render-finished
// semaphore.
func (c *Controller) RenderFinishedSemaphore() core1_0.Semaphore {
	return c.renderFinished[c.currentFrame]
}

// InFlightFence returns the current frame's fence.
func (c *Controller) InFlightFence() core1_0.Fence {
	return c.inFlightFences[c.currentFrame]
}

// LastFrameDuration returns the CPU time between the most recent
// BeginFrame/EndFrame pair.
func (c *Controller) LastFrameDuration() time.Duration {
	return c.lastFrameDuration
}

// RecreateSyncObjects destroys and rebuilds every semaphore and fence,
// used after a swapchain recreation. The caller must ensure the device is
// idle first; semaphores may not be destroyed while a queue waits on
// them.
func (c *Controller) RecreateSyncObjects() error {
	c.destroySyncObjects()

	c.currentFrame = 0
	c.framesInFlight = 0

	err := c.createSyncObjects()
	if err != nil {
		c.destroySyncObjects()
		return err
	}

	c.logger.Debug("Controller::RecreateSyncObjects", slog.Int("MaxFramesInFlight", c.maxFramesInFlight))
	return nil
}

// Destroy tears down all synchronization objects. The caller must ensure
// no submitted work still references them.
func (c *Controller) Destroy() {
	c.destroySyncObjects()
}
