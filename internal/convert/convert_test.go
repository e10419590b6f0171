package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/parquet-go/parquet-go"

	"github.com/kilnworks/openfda-sync/internal/catalog"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/mirror"
)

type captureCatalog struct {
	mu     sync.Mutex
	bricks []catalog.Brick
	fail   bool
}

func (c *captureCatalog) RecordBrick(_ context.Context, rec catalog.Brick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("catalog down")
	}
	c.bricks = append(c.bricks, rec)
	return nil
}

func (c *captureCatalog) RecordRun(context.Context, catalog.Run) error { return nil }
func (c *captureCatalog) Close() error                                 { return nil }

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func testBuilder(t *testing.T, cat catalog.Writer, opts Options) (*Builder, string, string) {
	t.Helper()

	rawRoot := t.TempDir()
	brickRoot := t.TempDir()
	store, err := mirror.NewStore(rawRoot)
	if err != nil {
		t.Fatalf("mirror store: %v", err)
	}
	if cat == nil {
		cat = &captureCatalog{}
	}
	opts.BrickRoot = brickRoot
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBuilder(store, cat, opts, log), rawRoot, brickRoot
}

func eventTask(rawRoot, brickRoot string) BuildTask {
	return BuildTask{
		DatasetType: "drug",
		FieldName:   "event",
		Index:       0,
		RawPath:     filepath.Join(rawRoot, "drug", "all_other", "drug-event-0001-of-0001.json.zip"),
		BrickPath:   filepath.Join(brickRoot, "drug", "all_other", "drug-event-0001-of-0001.parquet"),
		ExportDate:  "2024-06-28",
	}
}

func TestRecordsFlattening(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		records []map[string]string
		columns []string
	}{
		{
			name: "results array with nesting",
			doc:  `{"meta":{"disclaimer":"x"},"results":[{"id":"1","openfda":{"brand_name":["ADVIL"],"route":{"oral":true}}}]}`,
			records: []map[string]string{{
				"id":                 "1",
				"openfda.brand_name": `["ADVIL"]`,
				"openfda.route.oral": "true",
			}},
			columns: []string{"id", "openfda.brand_name", "openfda.route.oral"},
		},
		{
			name:    "document without results is one row",
			doc:     `{"name":"unii","count":3}`,
			records: []map[string]string{{"count": "3", "name": "unii"}},
			columns: []string{"count", "name"},
		},
		{
			name:    "null values drop out",
			doc:     `{"results":[{"a":null,"b":"x"}]}`,
			records: []map[string]string{{"b": "x"}},
			columns: []string{"b"},
		},
		{
			name:    "numeric literals survive verbatim",
			doc:     `{"results":[{"lat":41.8781,"big":9007199254740993}]}`,
			records: []map[string]string{{"big": "9007199254740993", "lat": "41.8781"}},
			columns: []string{"big", "lat"},
		},
		{
			name:    "single object results",
			doc:     `{"results":{"k":"v"}}`,
			records: []map[string]string{{"k": "v"}},
			columns: []string{"k"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records, columns, err := Records([]byte(tc.doc))
			if err != nil {
				t.Fatalf("Records: %v", err)
			}
			if !reflect.DeepEqual(records, tc.records) {
				t.Errorf("records = %v, want %v", records, tc.records)
			}
			if !reflect.DeepEqual(columns, tc.columns) {
				t.Errorf("columns = %v, want %v", columns, tc.columns)
			}
		})
	}
}

func TestRecordsRejectsNonObjectRecord(t *testing.T) {
	if _, _, err := Records([]byte(`{"results":[42]}`)); err == nil {
		t.Fatal("expected error for scalar record")
	}
}

func TestChecksumFileMatchesInMemory(t *testing.T) {
	data := []byte(`{"results":[{"id":"1"}]}`)
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	if want := ComputeChecksum(data); got != want {
		t.Errorf("ChecksumFile = %q, ComputeChecksum = %q", got, want)
	}
	if !strings.HasPrefix(got, "sha256:") {
		t.Errorf("checksum = %q, want sha256 prefix", got)
	}
}

func TestBrickName(t *testing.T) {
	cases := map[string]string{
		"drug-event-0001-of-0035.json.zip": "drug-event-0001-of-0035.parquet",
		"other-unii.json.gz":               "other-unii.parquet",
		"plain.json":                       "plain.parquet",
		"archive.zip":                      "archive.parquet",
		"noext":                            "noext.parquet",
	}
	for in, want := range cases {
		if got := brickName(in); got != want {
			t.Errorf("brickName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteParquetRoundTrip(t *testing.T) {
	columns := []string{"a", "b.c"}
	records := []map[string]string{
		{"a": "1", "b.c": "x"},
		{"a": "2"},
	}

	var buf bytes.Buffer
	if err := writeParquet(&buf, columns, records); err != nil {
		t.Fatalf("writeParquet: %v", err)
	}

	f, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	if got := f.NumRows(); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
	fields := f.Schema().Fields()
	if len(fields) != 2 || fields[0].Name() != "a" || fields[1].Name() != "b.c" {
		t.Fatalf("unexpected schema fields: %v", fields)
	}

	rows := f.RowGroups()[0].Rows()
	defer rows.Close()

	out := make([]parquet.Row, 2)
	n, err := rows.ReadRows(out)
	if err != nil && err != io.EOF {
		t.Fatalf("read rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("read %d rows, want 2", n)
	}

	if got := out[0][0].String(); got != "1" {
		t.Errorf("row 0 col a = %q, want 1", got)
	}
	if got := out[0][1].String(); got != "x" {
		t.Errorf("row 0 col b.c = %q, want x", got)
	}
	if !out[1][1].IsNull() {
		t.Errorf("row 1 col b.c = %q, want null", out[1][1].String())
	}
}

func TestPlanMapsRawOntoBricks(t *testing.T) {
	b, rawRoot, brickRoot := testBuilder(t, nil, Options{})

	tasks, err := b.Plan([]manifest.FetchTask{{
		DatasetType: "drug",
		FieldName:   "event",
		Index:       0,
		URL:         "https://download.open.fda.gov/drug/event/all_other/drug-event-0001-of-0035.json.zip",
		ExportDate:  "2024-06-28",
	}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("planned %d tasks, want 1", len(tasks))
	}

	wantRaw := filepath.Join(rawRoot, "drug", "all_other", "drug-event-0001-of-0035.json.zip")
	if tasks[0].RawPath != wantRaw {
		t.Errorf("raw path = %q, want %q", tasks[0].RawPath, wantRaw)
	}
	wantBrick := filepath.Join(brickRoot, "drug", "all_other", "drug-event-0001-of-0035.parquet")
	if tasks[0].BrickPath != wantBrick {
		t.Errorf("brick path = %q, want %q", tasks[0].BrickPath, wantBrick)
	}
}

func TestBuildOneConvertsZipPartition(t *testing.T) {
	cat := &captureCatalog{}
	b, rawRoot, brickRoot := testBuilder(t, cat, Options{Version: "1.0-test"})

	task := eventTask(rawRoot, brickRoot)
	writeZip(t, task.RawPath, map[string]string{
		"drug-event-0001-of-0001.json": `{"results":[{"safetyreportid":"100","patient":{"age":62}},{"safetyreportid":"101"}]}`,
	})

	res := b.BuildOne(context.Background(), task)
	if res.Status != StatusConverted {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}
	if res.Rows != 2 {
		t.Errorf("rows = %d, want 2", res.Rows)
	}
	if res.Bytes <= 0 {
		t.Errorf("bytes = %d, want > 0", res.Bytes)
	}

	data, err := os.ReadFile(task.BrickPath)
	if err != nil {
		t.Fatalf("brick not written: %v", err)
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open brick: %v", err)
	}
	if f.NumRows() != 2 {
		t.Errorf("brick rows = %d, want 2", f.NumRows())
	}

	if len(cat.bricks) != 1 {
		t.Fatalf("catalog rows = %d, want 1", len(cat.bricks))
	}
	rec := cat.bricks[0]
	if rec.Partition != "drug-event-0001-of-0001" {
		t.Errorf("partition = %q", rec.Partition)
	}
	if !strings.HasPrefix(rec.Checksum, "sha256:") {
		t.Errorf("checksum = %q, want sha256 prefix", rec.Checksum)
	}
	if rec.RowCount != 2 || rec.ByteSize != res.Bytes {
		t.Errorf("catalog rec = %+v", rec)
	}
	if rec.ProducerVersion != "1.0-test" || rec.ExportDate != "2024-06-28" {
		t.Errorf("catalog rec = %+v", rec)
	}

	entries, err := os.ReadDir(filepath.Dir(task.BrickPath))
	if err != nil {
		t.Fatalf("read brick dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp debris left behind: %s", e.Name())
		}
	}
}

func TestBuildOneSkipsFreshBrick(t *testing.T) {
	b, rawRoot, brickRoot := testBuilder(t, nil, Options{})

	raw := filepath.Join(rawRoot, "drug", "ndc", "drug-ndc-0001-of-0001.json")
	if err := os.MkdirAll(filepath.Dir(raw), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(raw, []byte(`{"results":[{"product_ndc":"0002-0800"}]}`), 0644); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	task := BuildTask{
		DatasetType: "drug",
		FieldName:   "ndc",
		RawPath:     raw,
		BrickPath:   filepath.Join(brickRoot, "drug", "ndc", "drug-ndc-0001-of-0001.parquet"),
	}

	if res := b.BuildOne(context.Background(), task); res.Status != StatusConverted {
		t.Fatalf("first build status = %q, err = %v", res.Status, res.Err)
	}

	// Raw older than the brick: nothing to do.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(raw, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if res := b.BuildOne(context.Background(), task); res.Status != StatusSkipped {
		t.Errorf("second build status = %q, want skipped", res.Status)
	}

	// Raw touched again: rebuild.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(raw, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if res := b.BuildOne(context.Background(), task); res.Status != StatusConverted {
		t.Errorf("third build status = %q, want converted", res.Status)
	}
}

func TestBuildOneMissingRaw(t *testing.T) {
	b, rawRoot, brickRoot := testBuilder(t, nil, Options{})

	res := b.BuildOne(context.Background(), eventTask(rawRoot, brickRoot))
	if res.Status != StatusMissing {
		t.Errorf("status = %q, want missing", res.Status)
	}
}

func TestBuildOneCatalogFailure(t *testing.T) {
	payload := map[string]string{
		"drug-event-0001-of-0001.json": `{"results":[{"safetyreportid":"100"}]}`,
	}

	// Lenient builder logs and keeps the brick.
	cat := &captureCatalog{fail: true}
	b, rawRoot, brickRoot := testBuilder(t, cat, Options{})
	task := eventTask(rawRoot, brickRoot)
	writeZip(t, task.RawPath, payload)

	if res := b.BuildOne(context.Background(), task); res.Status != StatusConverted {
		t.Errorf("lenient status = %q, want converted", res.Status)
	}

	// Strict builder fails the task; the brick itself stays committed.
	b, rawRoot, brickRoot = testBuilder(t, &captureCatalog{fail: true}, Options{Strict: true})
	task = eventTask(rawRoot, brickRoot)
	writeZip(t, task.RawPath, payload)

	res := b.BuildOne(context.Background(), task)
	if res.Status != StatusFailed {
		t.Errorf("strict status = %q, want failed", res.Status)
	}
	if _, err := os.Stat(task.BrickPath); err != nil {
		t.Errorf("brick missing after strict catalog failure: %v", err)
	}
}

func TestRunAccountsForEveryTask(t *testing.T) {
	b, rawRoot, brickRoot := testBuilder(t, nil, Options{Workers: 2})

	good := BuildTask{
		DatasetType: "drug", FieldName: "event", Index: 0,
		RawPath:   filepath.Join(rawRoot, "drug", "all_other", "drug-event-0001-of-0002.json.zip"),
		BrickPath: filepath.Join(brickRoot, "drug", "all_other", "drug-event-0001-of-0002.parquet"),
	}
	writeZip(t, good.RawPath, map[string]string{
		"drug-event-0001-of-0002.json": `{"results":[{"safetyreportid":"100"}]}`,
	})

	missing := BuildTask{
		DatasetType: "drug", FieldName: "event", Index: 1,
		RawPath:   filepath.Join(rawRoot, "drug", "all_other", "drug-event-0002-of-0002.json.zip"),
		BrickPath: filepath.Join(brickRoot, "drug", "all_other", "drug-event-0002-of-0002.parquet"),
	}

	corrupt := BuildTask{
		DatasetType: "other", FieldName: "unii", Index: 0,
		RawPath:   filepath.Join(rawRoot, "other", "unii", "other-unii-0001-of-0001.json.zip"),
		BrickPath: filepath.Join(brickRoot, "other", "unii", "other-unii-0001-of-0001.parquet"),
	}
	if err := os.MkdirAll(filepath.Dir(corrupt.RawPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(corrupt.RawPath, []byte("not a zip"), 0644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	sum := b.Run(context.Background(), []BuildTask{good, missing, corrupt})

	if sum.Converted != 1 || sum.Skipped != 0 || len(sum.Missing) != 1 || len(sum.Failed) != 1 {
		t.Errorf("summary = %d/%d/%d/%d, want 1/0/1/1",
			sum.Converted, sum.Skipped, len(sum.Missing), len(sum.Failed))
	}
	if sum.Total() != 3 {
		t.Errorf("total = %d, want 3", sum.Total())
	}
	if sum.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", sum.ExitCode())
	}
	if sum.Missing[0] != missing.RawPath {
		t.Errorf("missing = %q, want %q", sum.Missing[0], missing.RawPath)
	}
	if sum.Failed[0].Task.Name() != corrupt.Name() {
		t.Errorf("failed task = %q, want %q", sum.Failed[0].Task.Name(), corrupt.Name())
	}
}

func TestRunEmptyPlan(t *testing.T) {
	b, _, _ := testBuilder(t, nil, Options{})

	sum := b.Run(context.Background(), nil)
	if sum.Total() != 0 || sum.ExitCode() != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
}
