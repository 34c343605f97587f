package blp

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// LoadMatrixCSV reads a numeric CSV with a header row into a dense
// matrix. Every data row must match the header width.
func LoadMatrixCSV(path string) (*mat.Dense, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := len(header)
	if cols == 0 {
		return nil, nil, fmt.Errorf("empty header in %s", path)
	}

	var (
		data []float64
		row  int
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", row+2, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != cols {
			return nil, nil, fmt.Errorf("row %d: expected %d columns, got %d",
				row+2, cols, len(record))
		}
		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parse float at row %d col %d (%q): %w",
					row+2, j+1, s, err)
			}
			data = append(data, v)
		}
		row++
	}
	if row == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}
	return mat.NewDense(row, cols, data), header, nil
}

// LoadVectorCSV reads a single-column numeric CSV with a header row.
func LoadVectorCSV(path string) (*mat.VecDense, error) {
	m, _, err := LoadMatrixCSV(path)
	if err != nil {
		return nil, err
	}
	r, c := m.Dims()
	if c != 1 {
		return nil, fmt.Errorf("%s: expected a single column, got %d", path, c)
	}
	out := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		out.SetVec(i, m.At(i, 0))
	}
	return out, nil
}

// WriteEstimatesCSV writes the estimated theta matrix in long format,
// one row per estimated position, with its standard error, z statistic
// and two-sided p-value under the normal asymptotic distribution.
// Columns: characteristic, column (0 = taste scale, d = demographic d),
// estimate, std_error, z, p_value.
func WriteEstimatesCSV(path string, res *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"characteristic", "column", "estimate", "std_error", "z", "p_value"}
	if err := writer.Write(header); err != nil {
		return err
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	var werr error
	res.Theta.eachFree(func(_, i, j int) {
		if werr != nil {
			return
		}
		est := res.Theta.Coef.At(i, j)
		se := res.StdErr.At(i, j)
		z := est / se
		p := 2 * norm.CDF(-math.Abs(z))
		record := []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", j),
			fmt.Sprintf("%f", est),
			fmt.Sprintf("%f", se),
			fmt.Sprintf("%f", z),
			fmt.Sprintf("%f", p),
		}
		werr = writer.Write(record)
	})
	return werr
}

// WriteVarCovCSV writes the full variance-covariance matrix with
// generated column labels b0..b{k1-1} for the linear parameters and
// t0..t{q-1} for the nonlinear ones.
func WriteVarCovCSV(path string, res *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	rows, cols := res.VarCov.Dims()
	k1 := res.Theta1.Len()

	header := make([]string, cols)
	for j := 0; j < cols; j++ {
		if j < k1 {
			header[j] = fmt.Sprintf("b%d", j)
		} else {
			header[j] = fmt.Sprintf("t%d", j-k1)
		}
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		record := make([]string, cols)
		for j := 0; j < cols; j++ {
			record[j] = fmt.Sprintf("%f", res.VarCov.At(i, j))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
