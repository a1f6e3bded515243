// Package command wraps a command buffer with a recording state machine
// so draw and transfer calls issued at the wrong time become logged no-ops
// instead of native-layer validation errors.
package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type recorderState int

const (
	stateNotRecording recorderState = iota
	stateRecording
)

// Recorder is a guarded recording surface over one command buffer. It is
// not safe for concurrent use; a command buffer belongs to one thread at
// a time anyway.
type Recorder struct {
	logger        *slog.Logger
	commandBuffer core1_0.CommandBuffer
	state         recorderState
}

// NewRecorder wraps a command buffer. The buffer starts out not
// recording regardless of its native state.
func NewRecorder(logger *slog.Logger, commandBuffer core1_0.CommandBuffer) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		logger:        logger,
		commandBuffer: commandBuffer,
	}
}

// CommandBuffer returns the underlying buffer for submission.
func (r *Recorder) CommandBuffer() core1_0.CommandBuffer {
	return r.commandBuffer
}

// IsRecording reports whether the recorder is between BeginRecording and
// EndRecording.
func (r *Recorder) IsRecording() bool {
	return r.state == stateRecording
}

// BeginRecording opens the command buffer. Beginning an already-recording
// buffer logs and leaves the recording intact.
func (r *Recorder) BeginRecording(flags core1_0.CommandBufferUsageFlags) error {
	if r.state == stateRecording {
		r.logger.Warn("BeginRecording called on a command buffer that is already recording")
		return nil
	}

	res, err := r.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: flags,
	})
	if err != nil {
		r.logger.Error("failed to begin command buffer", slog.String("Result", res.String()))
		return err
	}

	r.state = stateRecording
	return nil
}

// EndRecording closes the command buffer. Ending a buffer that is not
// recording logs and no-ops.
func (r *Recorder) EndRecording() error {
	if r.state != stateRecording {
		r.logger.Warn("EndRecording called on a command buffer that is not recording")
		return nil
	}

	res, err := r.commandBuffer.End()
	if err != nil {
		r.logger.Error("failed to end command buffer", slog.String("Result", res.String()))
		return err
	}

	r.state = stateNotRecording
	return nil
}

// Reset returns the buffer to the initial state. Resetting mid-recording
// abandons the recording.
func (r *Recorder) Reset() error {
	res, err := r.commandBuffer.Reset(0)
	if err != nil {
		r.logger.Error("failed to reset command buffer", slog.String("Result", res.String()))
		return err
	}

	r.state = stateNotRecording
	return nil
}

// guard reports whether a recording-only operation may proceed.
func (r *Recorder) guard(operation string) bool {
	if r.state != stateRecording {
		r.logger.Warn("command issued outside of recording", slog.String("Operation", operation))
		return false
	}
	return true
}

// BeginRenderPass starts a render pass with inline subpass contents.
func (r *Recorder) BeginRenderPass(renderPass core1_0.RenderPass, framebuffer core1_0.Framebuffer, renderArea core1_0.Rect2D, clearValues []core1_0.ClearValue) error {
	if !r.guard("BeginRenderPass") {
		return nil
	}

	err := r.commandBuffer.CmdBeginRenderPass(core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  renderPass,
		Framebuffer: framebuffer,
		RenderArea:  renderArea,
		ClearValues: clearValues,
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin render pass")
	}

	return nil
}

// EndRenderPass ends the current render pass.
func (r *Recorder) EndRenderPass() {
	if !r.guard("EndRenderPass") {
		return
	}

	r.commandBuffer.CmdEndRenderPass()
}

// BindPipeline binds a graphics pipeline.
func (r *Recorder) BindPipeline(pipeline core1_0.Pipeline) {
	if !r.guard("BindPipeline") {
		return
	}

	r.commandBuffer.CmdBindPipeline(core1_0.PipelineBindPointGraphics, pipeline)
}

// BindVertexBuffer binds one vertex buffer at binding 0.
func (r *Recorder) BindVertexBuffer(buffer core1_0.Buffer, offset int) {
	if !r.guard("BindVertexBuffer") {
		return
	}

	r.commandBuffer.CmdBindVertexBuffers(0, []core1_0.Buffer{buffer}, []int{offset})
}

// BindIndexBuffer binds an index buffer.
func (r *Recorder) BindIndexBuffer(buffer core1_0.Buffer, offset int, indexType core1_0.IndexType) {
	if !r.guard("BindIndexBuffer") {
		return
	}

	r.commandBuffer.CmdBindIndexBuffer(buffer, offset, indexType)
}

// BindDescriptorSets binds descriptor sets for the graphics bind point.
func (r *Recorder) BindDescriptorSets(layout core1_0.PipelineLayout, sets []core1_0.DescriptorSet, dynamicOffsets []int) {
	if !r.guard("BindDescriptorSets") {
		return
	}

	r.commandBuffer.CmdBindDescriptorSets(core1_0.PipelineBindPointGraphics, layout, 0, sets, dynamicOffsets)
}

// Draw records a non-indexed draw.
func (r *Recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	if !r.guard("Draw") {
		return
	}

	r.commandBuffer.CmdDraw(vertexCount, instanceCount, uint32(firstVertex), uint32(firstInstance))
}

// DrawIndexed records an indexed draw.
func (r *Recorder) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	if !r.guard("DrawIndexed") {
		return
	}

	r.commandBuffer.CmdDrawIndexed(indexCount, instanceCount, uint32(firstIndex), vertexOffset, uint32(firstInstance))
}

// SetViewport sets the dynamic viewport state.
func (r *Recorder) SetViewport(viewport core1_0.Viewport) {
	if !r.guard("SetViewport") {
		return
	}

	r.commandBuffer.CmdSetViewport([]core1_0.Viewport{viewport})
}

// SetScissor sets the dynamic scissor state.
func (r *Recorder) SetScissor(scissor core1_0.Rect2D) {
	if !r.guard("SetScissor") {
		return
	}

	r.commandBuffer.CmdSetScissor([]core1_0.Rect2D{scissor})
}

// SetLineWidth sets the dynamic line width state.
func (r *Recorder) SetLineWidth(width float32) {
	if !r.guard("SetLineWidth") {
		return
	}

	r.commandBuffer.CmdSetLineWidth(width)
}

// SetDepthBias sets the dynamic depth bias state.
func (r *Recorder) SetDepthBias(constantFactor, clamp, slopeFactor float32) {
	if !r.guard("SetDepthBias") {
		return
	}

	r.commandBuffer.CmdSetDepthBias(constantFactor, clamp, slopeFactor)
}

// CopyBuffer records a buffer-to-buffer copy.
func (r *Recorder) CopyBuffer(src, dst core1_0.Buffer, regions []core1_0.BufferCopy) {
	if !r.guard("CopyBuffer") {
		return
	}

	r.commandBuffer.CmdCopyBuffer(src, dst, regions)
}

// BlitImage records a scaling image copy with the given filter. The
// source must be in the transfer-source layout and the destination in the
// transfer-destination layout.
func (r *Recorder) BlitImage(src core1_0.Image, dst core1_0.Image, regions []core1_0.ImageBlit, filter core1_0.Filter) error {
	if !r.guard("BlitImage") {
		return nil
	}

	err := r.commandBuffer.CmdBlitImage(
		src, core1_0.ImageLayoutTransferSrcOptimal,
		dst, core1_0.ImageLayoutTransferDstOptimal,
		regions, filter)
	if err != nil {
		return errors.Wrap(err, "failed to record an image blit")
	}

	return nil
}

// CopyBufferToImage records a buffer-to-image copy. The image must be in
// the transfer-destination layout.
func (r *Recorder) CopyBufferToImage(buffer core1_0.Buffer, image core1_0.Image, regions []core1_0.BufferImageCopy) error {
	if !r.guard("CopyBufferToImage") {
		return nil
	}

	err := r.commandBuffer.CmdCopyBufferToImage(buffer, image, core1_0.ImageLayoutTransferDstOptimal, regions)
	if err != nil {
		return errors.Wrap(err, "failed to record a buffer-to-image copy")
	}

	return nil
}
