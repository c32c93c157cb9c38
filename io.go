package probreco

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"
)

// table is a file read as a header row plus string cells.
type table struct {
	path   string
	header []string
	rows   [][]string
}

// readTable loads a CSV file, or the first sheet of an .xlsx workbook.
func readTable(path string) (*table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		records, err = readWorkbook(path)
	default:
		records, err = readCSV(path)
	}
	if err != nil {
		return nil, err
	}

	// drop blank lines
	kept := records[:0]
	for _, r := range records {
		if len(r) == 0 || (len(r) == 1 && strings.TrimSpace(r[0]) == "") {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("empty file %s", path)
	}

	header := make([]string, len(kept[0]))
	for j, s := range kept[0] {
		header[j] = strings.TrimSpace(s)
	}
	return &table{path: path, header: header, rows: kept[1:]}, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var out [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

// float parses cell (i, j) of the table body.
func (t *table) float(i, j int) (float64, error) {
	row := t.rows[i]
	if j >= len(row) {
		return 0, fmt.Errorf("%s row %d: missing column %d (%s)", t.path, i+2, j+1, t.header[j])
	}
	s := strings.TrimSpace(row[j])
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s row %d col %d (%q): %w", t.path, i+2, j+1, s, err)
	}
	return v, nil
}

// columns maps every hierarchy series to its column in the table. Columns
// naming no series, such as a date or period column, are ignored.
func (t *table) columns(names []string) ([]int, error) {
	pos := make(map[string]int, len(t.header))
	for j, name := range t.header {
		pos[name] = j
	}
	cols := make([]int, len(names))
	for i, name := range names {
		j, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no column for series %q", ErrDimensionMismatch, t.path, name)
		}
		cols[i] = j
	}
	return cols, nil
}

// LoadHierarchy reads a summing matrix. The first column holds the series
// names in variable order, the header names the bottom series, and each cell
// is 0 or 1. Header columns may come in any order; they are matched to the
// last m row names.
func LoadHierarchy(path string) (*Hierarchy, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	m := len(t.header) - 1
	n := len(t.rows)
	if m < 1 || n < m {
		return nil, fmt.Errorf("%w: %s has %d series and %d bottom columns", ErrInvalidHierarchy, path, n, m)
	}

	names := make([]string, n)
	for i, row := range t.rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: %s row %d is empty", ErrInvalidHierarchy, path, i+2)
		}
		names[i] = strings.TrimSpace(row[0])
	}

	sub := &table{path: t.path, header: t.header[1:], rows: make([][]string, n)}
	for i, row := range t.rows {
		sub.rows[i] = row[1:]
	}
	cols, err := sub.columns(names[n-m:])
	if err != nil {
		return nil, fmt.Errorf("%w: bottom columns do not match the last %d series: %v", ErrInvalidHierarchy, m, err)
	}

	S := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j, c := range cols {
			v, err := sub.float(i, c)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidHierarchy, err)
			}
			S.Set(i, j, v)
		}
	}
	return NewHierarchy(S, m, names)
}

// LoadMatrix reads a table whose columns include every series of h and
// returns it as a rows x n matrix in variable order.
func LoadMatrix(path string, h *Hierarchy) (*mat.Dense, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return t.matrix(h)
}

// matrix extracts the series columns of h, in variable order, one row per
// data row.
func (t *table) matrix(h *Hierarchy) (*mat.Dense, error) {
	if len(t.rows) == 0 {
		return nil, fmt.Errorf("no data rows in %s", t.path)
	}
	cols, err := t.columns(h.names)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(len(t.rows), h.n, nil)
	for i := range t.rows {
		for k, j := range cols {
			v, err := t.float(i, j)
			if err != nil {
				return nil, err
			}
			out.Set(i, k, v)
		}
	}
	return out, nil
}

// column returns the index of the named header column, ignoring case, or -1.
func (t *table) column(name string) int {
	for j, h := range t.header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return j
		}
	}
	return -1
}

// label returns the trimmed cell (i, j) of a label column.
func (t *table) label(i, j int) (string, error) {
	row := t.rows[i]
	if j >= len(row) || strings.TrimSpace(row[j]) == "" {
		return "", fmt.Errorf("%s row %d: missing %s", t.path, i+2, t.header[j])
	}
	return strings.TrimSpace(row[j]), nil
}

// LoadG reads a reconciliation matrix in the layout WriteResult produces: a
// "series" column naming the bottom series of each row, then one column per
// series of h. Rows and columns may come in any order.
func LoadG(path string, h *Hierarchy) (*mat.Dense, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	cols, err := t.columns(h.names)
	if err != nil {
		return nil, err
	}
	if len(t.rows) != h.m {
		return nil, fmt.Errorf("%w: %s has %d rows, expected %d", ErrDimensionMismatch, path, len(t.rows), h.m)
	}

	bottom := h.BottomNames()
	rowOf := make(map[string]int, len(t.rows))
	for i, row := range t.rows {
		if len(row) > 0 {
			rowOf[strings.TrimSpace(row[0])] = i
		}
	}

	G := mat.NewDense(h.m, h.n, nil)
	for r, name := range bottom {
		i, ok := rowOf[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no row for bottom series %q", ErrDimensionMismatch, path, name)
		}
		for k, j := range cols {
			v, err := t.float(i, j)
			if err != nil {
				return nil, err
			}
			G.Set(r, k, v)
		}
	}
	return G, nil
}

// LoadGaussianWindow builds a window from a realizations file and the
// per-period mean and standard deviation of independent normal base
// forecasts. All three files have one row per period.
func LoadGaussianWindow(realizations, means, sds string, h *Hierarchy) (Window, error) {
	Y, err := LoadMatrix(realizations, h)
	if err != nil {
		return nil, err
	}
	Mu, err := LoadMatrix(means, h)
	if err != nil {
		return nil, err
	}
	Sd, err := LoadMatrix(sds, h)
	if err != nil {
		return nil, err
	}
	T, _ := Y.Dims()
	if r, _ := Mu.Dims(); r != T {
		return nil, fmt.Errorf("%w: %d realizations but %d mean rows", ErrDimensionMismatch, T, r)
	}
	if r, _ := Sd.Dims(); r != T {
		return nil, fmt.Errorf("%w: %d realizations but %d sd rows", ErrDimensionMismatch, T, r)
	}

	w := make(Window, T)
	for t := 0; t < T; t++ {
		g, err := Gaussian(Mu.RawRowView(t), Sd.RawRowView(t))
		if err != nil {
			return nil, fmt.Errorf("period %d: %w", t, err)
		}
		w[t] = Period{Realization: mat.Row(nil, t, Y), Generator: g}
	}
	return w, nil
}

// LoadEmpiricalWindow builds a window from a realizations file and a file of
// stored base forecast draws in long format: a "period" column plus one
// column per series, one row per draw. Each period is resampled with
// replacement. When the realizations file has a "period" column, draw groups
// are matched to realization rows by label and the window follows the
// realizations order; otherwise draw groups are paired with realization rows
// in order of first appearance.
func LoadEmpiricalWindow(realizations, draws string, h *Hierarchy) (Window, error) {
	yt, err := readTable(realizations)
	if err != nil {
		return nil, err
	}
	Y, err := yt.matrix(h)
	if err != nil {
		return nil, err
	}
	T, _ := Y.Dims()

	t, err := readTable(draws)
	if err != nil {
		return nil, err
	}
	pcol := t.column("period")
	if pcol < 0 {
		return nil, fmt.Errorf("%s: no period column", draws)
	}
	cols, err := t.columns(h.names)
	if err != nil {
		return nil, err
	}

	var (
		order  []string
		groups = make(map[string][]float64)
	)
	for i := range t.rows {
		key, err := t.label(i, pcol)
		if err != nil {
			return nil, err
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		for _, j := range cols {
			v, err := t.float(i, j)
			if err != nil {
				return nil, err
			}
			groups[key] = append(groups[key], v)
		}
	}
	if len(order) != T {
		return nil, fmt.Errorf("%w: %d realizations but %d draw periods", ErrDimensionMismatch, T, len(order))
	}

	// row of Y for each draw group
	rows := make(map[string]int, T)
	if ycol := yt.column("period"); ycol >= 0 {
		for i := 0; i < T; i++ {
			key, err := yt.label(i, ycol)
			if err != nil {
				return nil, err
			}
			if _, dup := rows[key]; dup {
				return nil, fmt.Errorf("%w: %s lists period %q twice", ErrDimensionMismatch, realizations, key)
			}
			rows[key] = i
		}
		for _, key := range order {
			if _, ok := rows[key]; !ok {
				return nil, fmt.Errorf("%w: draws for period %q have no realization in %s", ErrDimensionMismatch, key, realizations)
			}
		}
	} else {
		for i, key := range order {
			rows[key] = i
		}
	}

	w := make(Window, T)
	for _, key := range order {
		flat := groups[key]
		// rows of flat are draws; transpose to series x draws
		X := mat.NewDense(len(flat)/h.n, h.n, flat)
		g, err := Empirical(X.T())
		if err != nil {
			return nil, fmt.Errorf("period %s: %w", key, err)
		}
		i := rows[key]
		w[i] = Period{Realization: mat.Row(nil, i, Y), Generator: g}
	}
	return w, nil
}

// WriteMatrixCSV writes M with a header row. When rowNames is given each row
// is prefixed by its name under a "series" column.
func WriteMatrixCSV(path string, M mat.Matrix, header, rowNames []string) error {
	rows, cols := M.Dims()
	if len(header) != cols {
		return fmt.Errorf("%w: %d header names for %d columns", ErrDimensionMismatch, len(header), cols)
	}
	if rowNames != nil && len(rowNames) != rows {
		return fmt.Errorf("%w: %d row names for %d rows", ErrDimensionMismatch, len(rowNames), rows)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	head := header
	if rowNames != nil {
		head = append([]string{"series"}, header...)
	}
	if err := writer.Write(head); err != nil {
		return err
	}
	for i := 0; i < rows; i++ {
		record := make([]string, 0, cols+1)
		if rowNames != nil {
			record = append(record, rowNames[i])
		}
		for j := 0; j < cols; j++ {
			record = append(record, strconv.FormatFloat(M.At(i, j), 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// WriteResult writes the reconciliation matrix of res to path, rows labelled
// by bottom series, and the translation (if any) to a sibling file with a
// "_d" suffix. It returns the paths written.
func WriteResult(path string, h *Hierarchy, res *Result) ([]string, error) {
	if err := WriteMatrixCSV(path, res.G, h.Names(), h.BottomNames()); err != nil {
		return nil, err
	}
	written := []string{path}
	if res.D == nil {
		return written, nil
	}

	ext := filepath.Ext(path)
	dpath := strings.TrimSuffix(path, ext) + "_d" + ext
	D := mat.NewDense(len(res.D), 1, append([]float64(nil), res.D...))
	if err := WriteMatrixCSV(dpath, D, []string{"d"}, h.BottomNames()); err != nil {
		return nil, err
	}
	return append(written, dpath), nil
}

// WriteIntervalsCSV writes per-period prediction intervals in long format:
// period, series, lower, median, upper.
func WriteIntervalsCSV(path string, periods [][]Interval) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"period", "series", "lower", "median", "upper"}); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for t, ivs := range periods {
		for _, iv := range ivs {
			record := []string{
				strconv.Itoa(t + 1),
				iv.Series,
				format(iv.Lower),
				format(iv.Median),
				format(iv.Upper),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// PrintSummary writes a human-readable summary of an optimization result.
func PrintSummary(w io.Writer, h *Hierarchy, res *Result) {
	if res == nil {
		fmt.Fprintln(w, "no result")
		return
	}
	fmt.Fprintln(w, "      Score-optimal reconciliation      ")
	fmt.Fprintf(w, "Series (n):             %d\n", h.n)
	fmt.Fprintf(w, "Bottom series (m):      %d\n", h.m)
	fmt.Fprintf(w, "Status:                 %s\n", res.Status)
	fmt.Fprintf(w, "Iterations:             %d\n", res.Iterations)
	fmt.Fprintf(w, "Score evaluations:      %d\n", res.Evaluations)
	fmt.Fprintf(w, "Total score:            %.6g (seed %d)\n", res.Score, res.EvalSeed)
	fmt.Fprintf(w, "Unbiased (SGS = S):     %v\n", h.Unbiased(res.G, 1e-6))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Series: %s\n\n", strings.Join(h.names, ", "))
	fmt.Fprintln(w, "G =")
	fmt.Fprintf(w, "%v\n", mat.Formatted(res.G, mat.Prefix("  "), mat.Squeeze()))
	if res.D != nil {
		fmt.Fprintln(w, "d =")
		fmt.Fprintf(w, "%v\n", mat.Formatted(mat.NewVecDense(len(res.D), res.D), mat.Prefix("  "), mat.Squeeze()))
	}
	fmt.Fprintln(w, "=======================================")
}
