// gradial_bench times the inner-product backward pass on the registered
// devices and prints a comparison table.
//
// Example:
//
//	gradial_bench -batch=64 -shapes=512x512,784x1024 -devices=generic,cpu:parallelism=4
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	_ "github.com/gradial/gradial/backends/cpu"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/gradial/gradial/train/grad"
	"github.com/gradial/gradial/types/shapes"
	"github.com/gradial/gradial/types/xslices"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDevices = flag.String("devices", "", "Comma-separated list of device configurations to benchmark, "+
		"e.g. \"generic,cpu:parallelism=4\". The name \"generic\" selects the portable reference kernels that "+
		"run without a device. Defaults to \"generic\" plus every registered device with its default configuration.")
	flagShapes = flag.String("shapes", "256x256,512x512,784x1024,1024x1024",
		"Comma-separated list of inner-product shapes to benchmark, each given as <inputCount>x<outputCount>.")
	flagBatch  = flag.Int("batch", 32, "Batch size of the benchmarked backward passes.")
	flagSteps  = flag.Int("steps", 200, "Timed backward passes per device and shape.")
	flagWarmup = flag.Int("warmup", 20, "Backward passes run before timing starts, per device and shape.")
	flagPacked = flag.Bool("packed", false, "Store the activations in the packed width-of-4 layout instead of "+
		"the canonical one. Device kernels that only accept canonical inputs fall back to the generic kernels, "+
		"which the table will reflect.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gradial_bench -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagBatch <= 0 || *flagSteps <= 0 || *flagWarmup < 0 {
		klog.Errorf("-batch and -steps must be positive and -warmup non-negative.")
		os.Exit(1)
	}

	report(parseShapes(*flagShapes), buildDevices(*flagDevices))
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// benchDevice pairs a display name with the device passed to the dispatcher.
// A nil device selects the generic kernels.
type benchDevice struct {
	name   string
	device backends.Device
}

func buildDevices(spec string) []benchDevice {
	if spec == "" {
		all := []benchDevice{{name: "generic"}}
		for _, name := range backends.List() {
			all = append(all, benchDevice{name: name, device: backends.NewWithConfig(name)})
		}
		return all
	}
	var out []benchDevice
	for _, config := range strings.Split(spec, ",") {
		config = strings.TrimSpace(config)
		if config == "" {
			continue
		}
		if config == "generic" {
			out = append(out, benchDevice{name: "generic"})
			continue
		}
		out = append(out, benchDevice{name: config, device: backends.NewWithConfig(config)})
	}
	if len(out) == 0 {
		klog.Errorf("-devices=%q selects no devices.", spec)
		os.Exit(1)
	}
	return out
}

func parseShapes(spec string) [][2]int {
	var out [][2]int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		left, right, found := strings.Cut(part, "x")
		inputCount, errIn := strconv.Atoi(left)
		outputCount, errOut := strconv.Atoi(right)
		if !found || errIn != nil || errOut != nil || inputCount <= 0 || outputCount <= 0 {
			klog.Errorf("Invalid shape %q in -shapes, want <inputCount>x<outputCount>.", part)
			os.Exit(1)
		}
		out = append(out, [2]int{inputCount, outputCount})
	}
	if len(out) == 0 {
		klog.Errorf("-shapes=%q selects no shapes.", spec)
		os.Exit(1)
	}
	return out
}

type benchResult struct {
	device, shape string
	perPass       time.Duration
	passesPerSec  float64
	flopsPerSec   float64
}

func report(benchShapes [][2]int, devices []benchDevice) {
	layout := blobs.Canonical
	if *flagPacked {
		layout = blobs.Packed4
	}

	bar := progressbar.NewOptions(len(devices)*len(benchShapes)*(*flagWarmup+*flagSteps),
		progressbar.OptionSetDescription("Benchmarking"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("passes"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	var results []benchResult
	for _, bd := range devices {
		for _, shape := range benchShapes {
			results = append(results, benchmark(bd, shape[0], shape[1], layout, bar))
		}
	}
	_ = bar.Close()
	fmt.Println()

	fmt.Println(titleStyle.Render("Inner-product backward"))
	config := newPlainTable(false)
	config.Row("batch", humanize.Comma(int64(*flagBatch)))
	config.Row("layout", layout.String())
	config.Row("passes", fmt.Sprintf("%s timed after %s warmup",
		humanize.Comma(int64(*flagSteps)), humanize.Comma(int64(*flagWarmup))))
	kernels := xslices.Map(grad.Default().Kernels(), grad.Key.String)
	config.Row("kernels", strings.Join(kernels, ", "))
	fmt.Println(config.Render())

	table := newPlainTable(true)
	table.Row("Device", "Shape", "Time/pass", "Passes/s", "FLOP/s")
	for _, r := range results {
		table.Row(r.device, r.shape,
			r.perPass.Round(time.Microsecond).String(),
			humanize.CommafWithDigits(r.passesPerSec, 1),
			humanize.SIWithDigits(r.flopsPerSec, 2, "FLOP/s"))
	}
	fmt.Println(table.Render())
}

// benchmark times the full backward pass of one inner-product layer: input,
// weight and bias gradients from one recorded output gradient.
func benchmark(bd benchDevice, inputCount, outputCount int, layout blobs.Layout, bar *progressbar.ProgressBar) benchResult {
	batch := *flagBatch
	weight := blobs.New("weight", shapes.Make(dtypes.Float32, outputCount, inputCount), blobs.Canonical)
	must.M(weight.SetFloat32(benchValues(outputCount * inputCount)))
	bias := blobs.New("bias", shapes.Make(dtypes.Float32, outputCount), blobs.Canonical)
	must.M(bias.SetFloat32(benchValues(outputCount)))
	layer := must.M1(layers.NewInnerProduct("bench",
		layers.InnerProductParam{OutputCount: outputCount, HasBias: true}, weight, bias))

	input := blobs.New("input", shapes.Make(dtypes.Float32, batch, inputCount), layout)
	must.M(input.SetFloat32(benchValues(batch * inputCount)))
	output := blobs.New("output", shapes.Make(dtypes.Float32, batch, outputCount), layout)
	outputGrad := benchValues(batch * outputCount)

	ctx := train.NewContext(nil)
	onePass := func() time.Duration {
		ctx.Reset()
		contribution := ctx.Pool().GetZeros(dtypes.Float32, output.NumElements())
		if layout == blobs.Packed4 {
			blobs.PackFloat32(contribution.Float32(), outputGrad, output.Shape())
		} else {
			copy(contribution.Float32(), outputGrad)
		}
		must.M(ctx.PutGradient(output, contribution))
		start := time.Now()
		must.M(grad.OnGrad(bd.device, ctx, layer, input, output))
		return time.Since(start)
	}

	for range *flagWarmup {
		onePass()
		_ = bar.Add(1)
	}
	var elapsed time.Duration
	for range *flagSteps {
		elapsed += onePass()
		_ = bar.Add(1)
	}

	// Input and weight gradients are a multiply-add per (batch, input, output)
	// triple each, the bias gradient an add per (batch, output) pair.
	flops := float64(*flagSteps) * float64(batch) * float64(outputCount) * (4*float64(inputCount) + 1)
	return benchResult{
		device:       bd.name,
		shape:        fmt.Sprintf("%dx%d", inputCount, outputCount),
		perPass:      elapsed / time.Duration(*flagSteps),
		passesPerSec: float64(*flagSteps) / elapsed.Seconds(),
		flopsPerSec:  flops / elapsed.Seconds(),
	}
}

// benchValues fills a slice with deterministic values in [-2, 2).
func benchValues(n int) []float32 {
	values := make([]float32, n)
	x := uint32(123456789)
	for ii := range values {
		x = x*1664525 + 1013904223
		values[ii] = float32(int32(x>>16)%256-128) / 64
	}
	return values
}
