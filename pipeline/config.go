package pipeline

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Config is the compact pipeline description most materials need. Expand
// fills in the full fixed-function block with engine conventions: viewport
// and scissor are always dynamic, multisampling is off unless a sample
// count is given, and color writes cover all four channels.
type Config struct {
	ShaderStages []core1_0.PipelineShaderStageCreateInfo
	Layout       core1_0.PipelineLayout

	// RenderPass overrides the System's render pass when non-nil.
	RenderPass core1_0.RenderPass
	Subpass    int

	VertexBindings   []core1_0.VertexInputBindingDescription
	VertexAttributes []core1_0.VertexInputAttributeDescription

	Topology    core1_0.PrimitiveTopology
	PolygonMode core1_0.PolygonMode
	CullMode    core1_0.CullModeFlags
	FrontFace   core1_0.FrontFace
	LineWidth   float32

	DepthTest      bool
	DepthWrite     bool
	DepthCompareOp core1_0.CompareOp

	BlendEnabled bool
	SampleCount  core1_0.SampleCountFlags
}

// DefaultConfig returns the conventions a standard opaque material uses:
// triangle lists, filled polygons, back-face culling, depth test and write
// with less-than comparison, no blending.
func DefaultConfig() Config {
	return Config{
		Topology:       core1_0.PrimitiveTopologyTriangleList,
		PolygonMode:    core1_0.PolygonModeFill,
		CullMode:       core1_0.CullModeBack,
		FrontFace:      core1_0.FrontFaceCounterClockwise,
		LineWidth:      1,
		DepthTest:      true,
		DepthWrite:     true,
		DepthCompareOp: core1_0.CompareOpLess,
		SampleCount:    core1_0.Samples1,
	}
}

func (c Config) expand() core1_0.GraphicsPipelineCreateInfo {
	lineWidth := c.LineWidth
	if lineWidth == 0 {
		lineWidth = 1
	}
	sampleCount := c.SampleCount
	if sampleCount == 0 {
		sampleCount = core1_0.Samples1
	}

	info := core1_0.GraphicsPipelineCreateInfo{
		Stages: c.ShaderStages,
		VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
			VertexBindingDescriptions:   c.VertexBindings,
			VertexAttributeDescriptions: c.VertexAttributes,
		},
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology:               c.Topology,
			PrimitiveRestartEnable: false,
		},
		// Dynamic viewport and scissor still require placeholder entries
		// to size the viewport state.
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: make([]core1_0.Viewport, 1),
			Scissors:  make([]core1_0.Rect2D, 1),
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			DepthClampEnable:        false,
			RasterizerDiscardEnable: false,
			PolygonMode:             c.PolygonMode,
			CullMode:                c.CullMode,
			FrontFace:               c.FrontFace,
			DepthBiasEnable:         false,
			LineWidth:               lineWidth,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			SampleShadingEnable:  false,
			RasterizationSamples: sampleCount,
			MinSampleShading:     1,
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOpEnabled: false,
			LogicOp:        core1_0.LogicOpCopy,
			Attachments: []core1_0.PipelineColorBlendAttachmentState{
				blendAttachment(c.BlendEnabled),
			},
		},
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: []core1_0.DynamicState{
				core1_0.DynamicStateViewport,
				core1_0.DynamicStateScissor,
			},
		},
		Layout:            c.Layout,
		RenderPass:        c.RenderPass,
		Subpass:           c.Subpass,
		BasePipelineIndex: -1,
	}

	if c.DepthTest || c.DepthWrite {
		compareOp := c.DepthCompareOp
		if compareOp == core1_0.CompareOpNever {
			compareOp = core1_0.CompareOpLess
		}

		info.DepthStencilState = &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  c.DepthTest,
			DepthWriteEnable: c.DepthWrite,
			DepthCompareOp:   compareOp,
		}
	}

	return info
}

func blendAttachment(enabled bool) core1_0.PipelineColorBlendAttachmentState {
	attachment := core1_0.PipelineColorBlendAttachmentState{
		BlendEnabled: enabled,
		ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen |
			core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
	}

	if enabled {
		attachment.SrcColorBlendFactor = core1_0.BlendFactorSrcAlpha
		attachment.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		attachment.ColorBlendOp = core1_0.BlendOpAdd
		attachment.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		attachment.DstAlphaBlendFactor = core1_0.BlendFactorZero
		attachment.AlphaBlendOp = core1_0.BlendOpAdd
	}

	return attachment
}
