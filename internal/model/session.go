package model

import (
	"fmt"

	"github.com/Brownie44l1/medscan-api/internal/config"
	ort "github.com/yalue/onnxruntime_go"
)

// Runtime owns the process-wide onnxruntime environment.
type Runtime struct{}

func NewRuntime(libraryPath string) (*Runtime, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return &Runtime{}, nil
}

func (rt *Runtime) Close() error {
	return ort.DestroyEnvironment()
}

// Open creates an ONNX session for one configured model. Input and output
// names are read from the graph when not configured; a graph with several
// outputs needs output_name.
func (rt *Runtime) Open(name string, mc config.ModelConfig) (Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(mc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s model: %w", name, err)
	}

	inputName := mc.InputName
	if inputName == "" {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("%s model has %d inputs, set input_name", name, len(inputs))
		}
		inputName = inputs[0].Name
	}

	out, err := selectOutput(outputs, mc.OutputName)
	if err != nil {
		return nil, fmt.Errorf("%s model: %w", name, err)
	}
	if out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%s model output %q has element type %v, want float", name, out.Name, out.DataType)
	}
	if dims := out.Dimensions; len(dims) > 0 {
		if classes := dims[len(dims)-1]; classes > 0 && int(classes) != len(mc.Labels) {
			return nil, fmt.Errorf("%s model: %w: %d classes, %d labels", name, ErrLabelMismatch, classes, len(mc.Labels))
		}
	}

	session, err := ort.NewDynamicAdvancedSession(mc.Path,
		[]string{inputName}, []string{out.Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", name, err)
	}

	return &onnxModel{
		session:    session,
		inputShape: ort.NewShape(InputShape(mc.ImageSize, mc.Layout)...),
		outputName: out.Name,
	}, nil
}

func selectOutput(outputs []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if name == "" {
		if len(outputs) != 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("%w (%d outputs), set output_name", ErrAmbiguousOutput, len(outputs))
		}
		return outputs[0], nil
	}
	for _, o := range outputs {
		if o.Name == name {
			return o, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("%w: %q", ErrOutputNotFound, name)
}

// onnxModel allocates tensors per call so a single session can serve
// concurrent requests.
type onnxModel struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
	outputName string
}

func (m *onnxModel) Run(input []float32) (Output, error) {
	inputTensor, err := ort.NewTensor(m.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := m.session.Run([]ort.ArbitraryTensor{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %q is not a float32 tensor", m.outputName)
	}

	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())

	return Output{{
		Name:  m.outputName,
		Shape: []int64(t.GetShape()),
		Data:  data,
	}}, nil
}

func (m *onnxModel) Close() error {
	return m.session.Destroy()
}
