// view-inspect is a diagnostic tool that prints engine datasets and backtest
// records, either from a raw memory image or by running the engine on a CSV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"kline-view/internal/bridge"
	"kline-view/internal/bridge/demo"
	"kline-view/internal/memview"
	"kline-view/internal/quant"
	"kline-view/internal/reclaim"
	"kline-view/internal/session"
)

func main() {
	image := flag.String("image", "", "memory image file to map")
	ctxAddr := flag.String("ctx", "", "context descriptor address in the image (e.g. 0x1040)")
	resAddr := flag.String("result", "", "result descriptor address in the image")
	wasmPath := flag.String("wasm", "", "engine module to run on -csv")
	useDemo := flag.Bool("demo", false, "run -csv on the in-process demo engine")
	csvPath := flag.String("csv", "", "CSV dataset for -wasm or -demo")
	wasi := flag.Bool("wasi", false, "instantiate WASI for the engine module")
	ema := flag.String("ema", "20", "comma separated EMA periods")
	param := flag.Uint("param", 2, "backtest parameter, 0 to skip")
	rows := flag.Int("rows", 5, "rows to print")
	flag.Parse()

	var err error
	switch {
	case *image != "":
		err = inspectImage(os.Stdout, *image, *ctxAddr, *resAddr, *rows)
	case *csvPath != "" && (*wasmPath != "" || *useDemo):
		err = runEngine(os.Stdout, *wasmPath, *wasi, *csvPath, *ema, uint32(*param), *rows)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[view-inspect] %v\n", err)
		os.Exit(1)
	}
}

func inspectImage(w io.Writer, path, ctxAddr, resAddr string, rows int) error {
	m, err := memview.MapFile(path)
	if err != nil {
		return err
	}
	defer m.Close()
	fmt.Fprintf(w, "[view-inspect] Mapped %s (%d bytes)\n", path, m.Size())

	if ctxAddr != "" {
		addr, err := parseAddr(ctxAddr)
		if err != nil {
			return err
		}
		v, err := quant.NewContextView(m, addr)
		if err != nil {
			return err
		}
		if err := printContext(w, v, rows); err != nil {
			return err
		}
	}
	if resAddr != "" {
		addr, err := parseAddr(resAddr)
		if err != nil {
			return err
		}
		r, err := quant.NewResultView(m, addr)
		if err != nil {
			return err
		}
		if err := printResult(w, r, rows); err != nil {
			return err
		}
	}
	return nil
}

// printer prints the views of one ingest while holding the lock.
type printer struct {
	w    io.Writer
	lock *reclaim.Lock
	rows int
}

func (p *printer) ID() string { return "view-inspect" }

func (p *printer) Consume(_ context.Context, data *quant.ContextView, result *quant.ResultView) error {
	release := p.lock.Hold(p.ID())
	defer release()
	if err := printContext(p.w, data, p.rows); err != nil {
		return err
	}
	for _, ind := range data.Indicators() {
		n := min(p.rows, len(ind.Values))
		fmt.Fprintf(p.w, "IND  %-8s %v\n", ind.Name, ind.Values[len(ind.Values)-n:])
	}
	if result == nil {
		fmt.Fprintln(p.w, "RES  none")
		return nil
	}
	return printResult(p.w, result, p.rows)
}

func runEngine(w io.Writer, wasmPath string, wasi bool, csvPath, ema string, param uint32, rows int) error {
	ctx := context.Background()
	csv, err := os.ReadFile(csvPath)
	if err != nil {
		return err
	}
	periods, err := parsePeriods(ema)
	if err != nil {
		return err
	}

	var eng bridge.Engine
	if wasmPath != "" {
		if eng, err = bridge.OpenFile(ctx, wasmPath, bridge.Options{WASI: wasi}); err != nil {
			return err
		}
	} else {
		eng = demo.NewArena(len(csv) * 4)
	}

	lock := reclaim.New()
	sess := session.New(eng, lock)
	defer sess.Close(ctx)
	sess.Register(&printer{w: w, lock: lock, rows: rows})

	sum, err := sess.Ingest(ctx, csv, session.IngestOptions{
		Columns:       bridge.DefaultColumns(),
		EMAPeriods:    periods,
		BacktestParam: param,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "[view-inspect] %d rows in %.2fms, reclaims=%d\n", sum.Rows, sum.ElapsedMs, sess.Status().Reclaims)
	return nil
}

func printContext(w io.Writer, v *quant.ContextView, rows int) error {
	d := v.Descriptor()
	fmt.Fprintf(w, "CTX  @%#x count=%d time=%#x open=%#x high=%#x low=%#x close=%#x volume=%#x attr=%#x\n",
		v.Addr(), d.Count, d.TimePtr, d.OpenPtr, d.HighPtr, d.LowPtr, d.ClosePtr, d.VolumePtr, d.AttrPtr)
	c, err := v.Columns()
	if err != nil {
		return err
	}
	for i := range min(rows, c.Times.Len()) {
		fmt.Fprintf(w, "ROW  #%d  t=%d", i, c.Times.At(i))
		for _, col := range []struct {
			name string
			view memview.View[float32]
		}{
			{"O", c.Opens}, {"H", c.Highs}, {"L", c.Lows}, {"C", c.Closes}, {"V", c.Volumes},
		} {
			if i < col.view.Len() {
				fmt.Fprintf(w, "  %s=%.4f", col.name, col.view.At(i))
			}
		}
		if i < c.Attributes.Len() {
			fmt.Fprintf(w, "  attr=%d", c.Attributes.At(i))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func printResult(w io.Writer, r *quant.ResultView, rows int) error {
	s, err := r.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "RES  @%#x trades=%d capacity=%d wins=%d winRate=%.2f%% profit=%.4f maxDD=%.4f\n",
		r.Addr(), s.Count, s.Capacity, s.WinCount, s.WinRate()*100, s.TotalProfit, s.MaxDrawdown)
	entries, err := r.EntryIndices()
	if err != nil {
		return err
	}
	exits, err := r.ExitIndices()
	if err != nil {
		return err
	}
	profits, err := r.Profits()
	if err != nil {
		return err
	}
	for i := range min(rows, entries.Len(), exits.Len(), profits.Len()) {
		fmt.Fprintf(w, "TRD  #%d  in=%d out=%d pnl=%.4f\n", i, entries.At(i), exits.At(i), profits.At(i))
	}
	return nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	return uint32(v), nil
}

func parsePeriods(s string) ([]uint32, error) {
	var out []uint32
	for f := range strings.SplitSeq(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("ema period %q must be a positive integer", f)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
