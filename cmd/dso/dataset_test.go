package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/testutils"
)

func writeSequence(t *testing.T, n int, times string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "images")
	test.That(t, os.Mkdir(dir, 0o750), test.ShouldBeNil)
	for i := n - 1; i >= 0; i-- {
		img := testutils.UniformImage(64, 48, float32(10*i))
		test.That(t, rimage.WriteFloatImageToFile(filepath.Join(dir, fmt.Sprintf("%05d.png", i)), img), test.ShouldBeNil)
	}
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o600), test.ShouldBeNil)
	if times != "" {
		test.That(t, os.WriteFile(filepath.Join(root, "times.txt"), []byte(times), 0o600), test.ShouldBeNil)
	}
	return dir
}

func TestDatasetWithTimes(t *testing.T) {
	dir := writeSequence(t, 3, "# id time exposure\n0 10.0 5\n1 10.5 6\n2 11.0 7\n")
	ds, err := openDataset(dir, 32, 24)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Len(), test.ShouldEqual, 3)
	test.That(t, ds.Timestamp(1), test.ShouldEqual, 10.5)

	f, err := ds.Frame(context.Background(), 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Index, test.ShouldEqual, 2)
	test.That(t, f.Exposure, test.ShouldEqual, 7.0)
	test.That(t, f.Image.Width(), test.ShouldEqual, 32)
	test.That(t, f.Image.Height(), test.ShouldEqual, 24)
	test.That(t, f.Image.At(10, 10), test.ShouldAlmostEqual, 20, 1)
}

func TestDatasetWithoutTimes(t *testing.T) {
	ds, err := openDataset(writeSequence(t, 2, ""), 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Timestamp(1), test.ShouldEqual, 0.0)
	f, err := ds.Frame(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Image.Width(), test.ShouldEqual, 64)
	test.That(t, f.Exposure, test.ShouldEqual, 0.0)
}

func TestDatasetErrors(t *testing.T) {
	_, err := openDataset(t.TempDir(), 0, 0)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = openDataset(writeSequence(t, 3, "0 1.0\n1 2.0\n"), 0, 0)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = openDataset(writeSequence(t, 1, "0 soon\n"), 0, 0)
	test.That(t, err, test.ShouldNotBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ds, err := openDataset(writeSequence(t, 1, ""), 0, 0)
	test.That(t, err, test.ShouldBeNil)
	_, err = ds.Frame(ctx, 0)
	test.That(t, err, test.ShouldNotBeNil)
}
