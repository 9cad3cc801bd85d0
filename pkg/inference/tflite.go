package inference

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/mattn/go-tflite"
	"gocv.io/x/gocv"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
)

// TFLiteEngine runs segmentation models through the TensorFlow Lite
// interpreter. The interpreter is not safe for concurrent Invoke calls, so
// all inference is serialized behind a mutex; parallelism comes from the
// interpreter's own thread pool.
type TFLiteEngine struct {
	mu     sync.Mutex
	model  *tflite.Model
	interp *tflite.Interpreter

	inputW int
	inputH int
}

// NewTFLiteEngine loads a segmentation model from a .tflite file.
func NewTFLiteEngine(modelPath string, threads int) (*TFLiteEngine, error) {
	model := tflite.NewModelFromFile(modelPath)
	if model == nil {
		return nil, fmt.Errorf("cannot load model %s", modelPath)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if threads <= 0 {
		threads = 4
	}
	options.SetNumThread(threads)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter for %s", modelPath)
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		model.Delete()
		return nil, fmt.Errorf("allocate tensors failed for %s", modelPath)
	}

	input := interp.GetInputTensor(0)
	e := &TFLiteEngine{
		model:  model,
		interp: interp,
		inputH: input.Dim(1),
		inputW: input.Dim(2),
	}
	return e, nil
}

// Infer implements Engine. Each tile is resized to the model input extent,
// run through the interpreter, and the output score map is resized back to
// the tile's own extent.
func (e *TFLiteEngine) Infer(ctx context.Context, batch []*models.Tile) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([][]float32, 0, len(batch))
	for _, tile := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := e.inferOne(tile)
		if err != nil {
			return nil, err
		}
		out = append(out, scores)
	}
	return out, nil
}

func (e *TFLiteEngine) inferOne(tile *models.Tile) ([]float32, error) {
	if len(tile.Pixels) != tile.Rect.W*tile.Rect.H*tile.Channels {
		return nil, &Error{Kind: InvalidInput, Op: "fill input",
			Err: fmt.Errorf("tile %+v has %d pixel bytes", tile.Rect, len(tile.Pixels))}
	}

	if err := e.fillInput(tile); err != nil {
		return nil, err
	}
	if status := e.interp.Invoke(); status != tflite.OK {
		return nil, &Error{Kind: Fatal, Op: "invoke", Err: fmt.Errorf("interpreter status %d", status)}
	}
	return e.extractOutput(tile)
}

// fillInput converts the tile to the float32 [0,1] tensor layout the model
// expects, resizing to the model input extent.
func (e *TFLiteEngine) fillInput(tile *models.Tile) error {
	matType := gocv.MatTypeCV8UC3
	if tile.Channels == 1 {
		matType = gocv.MatTypeCV8UC1
	}
	raw, err := gocv.NewMatFromBytes(tile.Rect.H, tile.Rect.W, matType, tile.Pixels)
	if err != nil {
		return &Error{Kind: InvalidInput, Op: "fill input", Err: err}
	}
	defer raw.Close()

	rgb := raw
	if tile.Channels == 1 {
		rgb = gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(raw, &rgb, gocv.ColorGrayToBGR)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	rgb.ConvertTo(&resized, gocv.MatTypeCV32F)
	gocv.Resize(resized, &resized, image.Pt(e.inputW, e.inputH), 0, 0, gocv.InterpolationDefault)

	v, err := resized.DataPtrFloat32()
	if err != nil {
		return &Error{Kind: Fatal, Op: "fill input", Err: err}
	}
	for i := range v {
		v[i] = v[i] / 255.0
	}
	input := e.interp.GetInputTensor(0)
	if input.Type() != tflite.Float32 {
		return &Error{Kind: Fatal, Op: "fill input",
			Err: fmt.Errorf("unsupported input tensor type %v", input.Type())}
	}
	input.SetFloat32s(v)
	return nil
}

// extractOutput reads the per-pixel score map and resizes it back to the
// tile's extracted extent.
func (e *TFLiteEngine) extractOutput(tile *models.Tile) ([]float32, error) {
	output := e.interp.GetOutputTensor(0)
	if output.Type() != tflite.Float32 {
		return nil, &Error{Kind: Fatal, Op: "extract output",
			Err: fmt.Errorf("unsupported output tensor type %v", output.Type())}
	}
	raw := output.Float32s()

	outH, outW := output.Dim(1), output.Dim(2)
	if len(raw) < outH*outW {
		return nil, &Error{Kind: Fatal, Op: "extract output",
			Err: fmt.Errorf("output tensor holds %d values for %dx%d map", len(raw), outW, outH)}
	}

	if outW == tile.Rect.W && outH == tile.Rect.H {
		scores := make([]float32, outW*outH)
		copy(scores, raw)
		return scores, nil
	}

	src := gocv.NewMatWithSize(outH, outW, gocv.MatTypeCV32F)
	defer src.Close()
	if v, err := src.DataPtrFloat32(); err == nil {
		copy(v, raw[:outH*outW])
	} else {
		return nil, &Error{Kind: Fatal, Op: "extract output", Err: err}
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(tile.Rect.W, tile.Rect.H), 0, 0, gocv.InterpolationDefault)

	v, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, &Error{Kind: Fatal, Op: "extract output", Err: err}
	}
	scores := make([]float32, len(v))
	copy(scores, v)
	return scores, nil
}

// Close releases the interpreter and model.
func (e *TFLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interp != nil {
		e.interp.Delete()
		e.interp = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	return nil
}
