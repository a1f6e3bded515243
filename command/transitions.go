package command

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
)

type layoutTransition struct {
	srcAccess core1_0.AccessFlags
	dstAccess core1_0.AccessFlags
	srcStage  core1_0.PipelineStageFlags
	dstStage  core1_0.PipelineStageFlags
	aspect    core1_0.ImageAspectFlags
}

type transitionKey struct {
	oldLayout core1_0.ImageLayout
	newLayout core1_0.ImageLayout
}

// The renderer only ever moves images along these paths: uploads go
// undefined -> transfer -> shader read, and depth targets go undefined ->
// depth attachment. Anything else is a bug in the caller.
var knownTransitions = map[transitionKey]layoutTransition{
	{core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal}: {
		srcAccess: 0,
		dstAccess: core1_0.AccessTransferWrite,
		srcStage:  core1_0.PipelineStageTopOfPipe,
		dstStage:  core1_0.PipelineStageTransfer,
		aspect:    core1_0.ImageAspectColor,
	},
	{core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal}: {
		srcAccess: core1_0.AccessTransferWrite,
		dstAccess: core1_0.AccessShaderRead,
		srcStage:  core1_0.PipelineStageTransfer,
		dstStage:  core1_0.PipelineStageFragmentShader,
		aspect:    core1_0.ImageAspectColor,
	},
	{core1_0.ImageLayoutUndefined, core1_0.ImageLayoutDepthStencilAttachmentOptimal}: {
		srcAccess: 0,
		dstAccess: core1_0.AccessDepthStencilAttachmentRead | core1_0.AccessDepthStencilAttachmentWrite,
		srcStage:  core1_0.PipelineStageTopOfPipe,
		dstStage:  core1_0.PipelineStageEarlyFragmentTests,
		aspect:    core1_0.ImageAspectDepth,
	},
}

// TransitionImageLayout records a pipeline barrier moving an image between
// two layouts in the supported transition set. Requesting a transition
// outside that set panics; unlike recording-order misuse, an unsupported
// transition can never become valid at another time.
func (r *Recorder) TransitionImageLayout(image core1_0.Image, oldLayout, newLayout core1_0.ImageLayout) error {
	transition, ok := knownTransitions[transitionKey{oldLayout, newLayout}]
	if !ok {
		panic(fmt.Sprintf("unsupported image layout transition: %s to %s", oldLayout, newLayout))
	}

	if !r.guard("TransitionImageLayout") {
		return nil
	}

	return r.commandBuffer.CmdPipelineBarrier(
		transition.srcStage,
		transition.dstStage,
		0,
		nil,
		nil,
		[]core1_0.ImageMemoryBarrier{
			{
				OldLayout:           oldLayout,
				NewLayout:           newLayout,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               image,
				SrcAccessMask:       transition.srcAccess,
				DstAccessMask:       transition.dstAccess,
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask:     transition.aspect,
					BaseMipLevel:   0,
					LevelCount:     1,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
			},
		},
	)
}
