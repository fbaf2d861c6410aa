package registry

import (
	"fmt"

	"github.com/petal-labs/petalstream/blocks"
	"github.com/petal-labs/petalstream/core"
)

var (
	float32Port = func(name string) PortDef { return PortDef{Name: name, Type: "float32", Required: true} }
	bytesPort   = func(name string) PortDef { return PortDef{Name: name, Type: "bytes", Required: true} }

	itemSizeParam = ParamDef{Name: "item_size", Type: "int", Default: core.SizeofFloat32, Description: "Bytes per item"}
)

func positive(name string, v int) error {
	if v < 1 {
		return fmt.Errorf("%w: %q must be >= 1, got %d", ErrInvalidParam, name, v)
	}
	return nil
}

func itemSize(params map[string]any) (int, error) {
	size, err := IntParam(params, "item_size", core.SizeofFloat32)
	if err != nil {
		return 0, err
	}
	return size, positive("item_size", size)
}

// registerBuiltins registers all built-in PetalStream block types.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(BlockTypeDef{
		Type:        "vector_source",
		Category:    "source",
		DisplayName: "Vector Source",
		Description: "Emit a fixed list of float32 samples, optionally repeating, with tags at given positions",
		Ports:       PortSchema{Outputs: []PortDef{float32Port("out")}},
		Params: []ParamDef{
			{Name: "data", Type: "float_list", Required: true, Description: "Samples to emit"},
			{Name: "repeat", Type: "bool", Default: false, Description: "Loop forever"},
			{Name: "tags", Type: "tag_list", Description: "Tags as {offset, key, value}, offsets index into data"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			data, err := Float32sParam(params, "data")
			if err != nil {
				return nil, err
			}
			repeat, err := BoolParam(params, "repeat", false)
			if err != nil {
				return nil, err
			}
			tags, err := TagsParam(params, "tags")
			if err != nil {
				return nil, err
			}
			return blocks.NewVectorSource(data, repeat, tags...), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "null_source",
		Category:    "source",
		DisplayName: "Null Source",
		Description: "Emit zeroed items forever",
		Ports:       PortSchema{Outputs: []PortDef{bytesPort("out")}, VariadicOutputs: true},
		Params:      []ParamDef{itemSizeParam},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			return blocks.NewNullSource(size), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "null_sink",
		Category:    "sink",
		DisplayName: "Null Sink",
		Description: "Consume and discard items on any number of inputs",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, VariadicInputs: true},
		Params:      []ParamDef{itemSizeParam},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			return blocks.NewNullSink(size), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "vector_sink",
		Category:    "sink",
		DisplayName: "Vector Sink",
		Description: "Record every float32 sample and tag it receives",
		Ports:       PortSchema{Inputs: []PortDef{float32Port("in")}},
		Factory: func(map[string]any) (core.Block, error) {
			return blocks.NewVectorSink(), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "copy",
		Category:    "stream",
		DisplayName: "Copy",
		Description: "Pass items through unchanged",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}},
		Params:      []ParamDef{itemSizeParam},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			return blocks.NewCopy(size), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "head",
		Category:    "stream",
		DisplayName: "Head",
		Description: "Pass the first N items through, then finish",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}},
		Params: []ParamDef{
			itemSizeParam,
			{Name: "n", Type: "int", Required: true, Description: "Number of items to forward"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			n, err := IntParam(params, "n", 0)
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, fmt.Errorf("%w: \"n\" must not be negative", ErrInvalidParam)
			}
			return blocks.NewHead(size, uint64(n)), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "keep_one_in_n",
		Category:    "stream",
		DisplayName: "Keep One in N",
		Description: "Decimate by N, keeping the first item of each group",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}},
		Params: []ParamDef{
			itemSizeParam,
			{Name: "n", Type: "int", Required: true, Description: "Decimation factor"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			n, err := IntParam(params, "n", 1)
			if err != nil {
				return nil, err
			}
			if err := positive("n", n); err != nil {
				return nil, err
			}
			return blocks.NewKeepOneInN(size, n), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "repeat",
		Category:    "stream",
		DisplayName: "Repeat",
		Description: "Interpolate by repeating every item N times",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}},
		Params: []ParamDef{
			itemSizeParam,
			{Name: "interpolation", Type: "int", Required: true, Description: "Repetitions per item"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			interp, err := IntParam(params, "interpolation", 1)
			if err != nil {
				return nil, err
			}
			if err := positive("interpolation", interp); err != nil {
				return nil, err
			}
			return blocks.NewRepeat(size, interp), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "fir_filter",
		Category:    "math",
		DisplayName: "FIR Filter",
		Description: "Float32 FIR filter; history equals the number of taps",
		Ports:       PortSchema{Inputs: []PortDef{float32Port("in")}, Outputs: []PortDef{float32Port("out")}},
		Params: []ParamDef{
			{Name: "taps", Type: "float_list", Required: true, Description: "Filter coefficients"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			taps, err := Float32sParam(params, "taps")
			if err != nil {
				return nil, err
			}
			if len(taps) == 0 {
				return nil, fmt.Errorf("%w: \"taps\" must not be empty", ErrInvalidParam)
			}
			return blocks.NewFIRFilter(taps), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "add",
		Category:    "math",
		DisplayName: "Add",
		Description: "Sum two or more float32 streams",
		Ports: PortSchema{
			Inputs:         []PortDef{float32Port("in0"), float32Port("in1")},
			Outputs:        []PortDef{float32Port("out")},
			VariadicInputs: true,
		},
		Factory: func(map[string]any) (core.Block, error) {
			return blocks.NewAdd(), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "deinterleave",
		Category:    "stream",
		DisplayName: "Deinterleave",
		Description: "Distribute items round robin over N outputs",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}, VariadicOutputs: true},
		Params: []ParamDef{
			itemSizeParam,
			{Name: "outputs", Type: "int", Default: 2, Description: "Number of outputs"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			nout, err := IntParam(params, "outputs", 2)
			if err != nil {
				return nil, err
			}
			if err := positive("outputs", nout); err != nil {
				return nil, err
			}
			return blocks.NewDeinterleave(size, nout), nil
		},
	})

	r.Register(BlockTypeDef{
		Type:        "tag_marker",
		Category:    "stream",
		DisplayName: "Tag Marker",
		Description: "Pass items through, tagging every item whose offset is a multiple of interval",
		Ports:       PortSchema{Inputs: []PortDef{bytesPort("in")}, Outputs: []PortDef{bytesPort("out")}},
		Params: []ParamDef{
			itemSizeParam,
			{Name: "interval", Type: "int", Required: true, Description: "Items between tags"},
			{Name: "key", Type: "string", Default: "mark", Description: "Tag key"},
		},
		Factory: func(params map[string]any) (core.Block, error) {
			size, err := itemSize(params)
			if err != nil {
				return nil, err
			}
			interval, err := IntParam(params, "interval", 1)
			if err != nil {
				return nil, err
			}
			if err := positive("interval", interval); err != nil {
				return nil, err
			}
			key, err := StringParam(params, "key", "mark")
			if err != nil {
				return nil, err
			}
			return blocks.NewTagMarker(size, uint64(interval), key), nil
		},
	})
}
