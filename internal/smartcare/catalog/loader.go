package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// 表格必备的列名
const (
	ColName        = "產品名稱"
	ColCompany     = "公司名稱"
	ColAddress     = "公司地址"
	ColPhone       = "連絡電話"
	ColURL         = "產品網址"
	ColFunction    = "主要功能"
	ColUsage       = "使用方式"
	ColCategory    = "產品第一層分類"
	ColSubCategory = "產品第二層分類"
)

// RequiredColumns lists the header cells every catalog sheet must carry.
var RequiredColumns = []string{
	ColName, ColCompany, ColAddress, ColPhone, ColURL,
	ColFunction, ColUsage, ColCategory, ColSubCategory,
}

var (
	ErrNotFound      = errors.New("找不到檔案")
	ErrEmpty         = errors.New("檔案是空的")
	ErrMissingColumn = errors.New("缺少必要欄位")
	ErrFormat        = errors.New("不支援的檔案格式")
	ErrIncompleteRow = errors.New("資料列缺少必要內容")
)

// LoadError is fatal at startup: the service must not run against an incomplete catalog.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("載入產品資料失敗 %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadFile reads an .xlsx or .csv catalog. sheet is only used for workbooks;
// empty means the first sheet.
func LoadFile(path, sheet string) (*Catalog, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Path: path, Err: ErrNotFound}
		}
		return nil, &LoadError{Path: path, Err: err}
	}

	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = readWorkbook(path, sheet)
	case ".csv":
		rows, err = readCSVFile(path)
	default:
		err = fmt.Errorf("%w: %s", ErrFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	products, err := FromRows(rows)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return New(products), nil
}

// FromRows maps a header row plus data rows onto products.
func FromRows(rows [][]string) ([]Product, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	index := make(map[string]int, len(rows[0]))
	for i, cell := range rows[0] {
		index[strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))] = i
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}

	cell := func(row []string, col string) string {
		i := index[col]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var products []Product
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		var empty []string
		for _, col := range RequiredColumns {
			if cell(row, col) == "" {
				empty = append(empty, col)
			}
		}
		if len(empty) > 0 {
			// 行号按表格计算，表头为第1列
			return nil, fmt.Errorf("%w: 第%d列 %s", ErrIncompleteRow, i+2, strings.Join(empty, ", "))
		}
		products = append(products, Product{
			Name:        cell(row, ColName),
			Company:     cell(row, ColCompany),
			Address:     cell(row, ColAddress),
			Phone:       cell(row, ColPhone),
			URL:         cell(row, ColURL),
			Function:    cell(row, ColFunction),
			Usage:       cell(row, ColUsage),
			Category:    cell(row, ColCategory),
			SubCategory: cell(row, ColSubCategory),
		})
	}
	if len(products) == 0 {
		return nil, ErrEmpty
	}
	return products, nil
}

func readWorkbook(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("開啟Excel失敗: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrEmpty
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("讀取工作表 %s 失敗: %w", sheet, err)
	}
	return rows, nil
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV reads all records, tolerating ragged rows.
func ReadCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("讀取CSV失敗: %w", err)
	}
	return rows, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
