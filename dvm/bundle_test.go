package dvm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintill/rilinject/jni"
)

func writeTestBundle(t *testing.T, dir string, classes ...ClassDef) string {
	t.Helper()
	path := filepath.Join(dir, "payload.dvmb")
	require.NoError(t, WriteBundle(path, NewBundle(classes...)))
	return path
}

func TestParseBundle(t *testing.T) {
	b := NewBundle(calcClass())
	data, err := b.Marshal()
	require.NoError(t, err)

	parsed, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, "test/Calc", parsed.Classes[0].Name)

	_, err = ParseBundle([]byte("not cbor"))
	assert.ErrorIs(t, err, ErrBadBundle)

	bad := NewBundle(ClassDef{Name: "x/Y", Methods: []MethodDef{{Name: "m", Descriptor: "(Q)V"}}})
	data, err = bad.Marshal()
	require.NoError(t, err)
	_, err = ParseBundle(data)
	assert.ErrorIs(t, err, ErrBadBundle)

	wrongMagic := &Bundle{Magic: "zzzz", Version: bundleVersion}
	data, err = wrongMagic.Marshal()
	require.NoError(t, err)
	_, err = ParseBundle(data)
	assert.ErrorIs(t, err, ErrBadBundle)
}

func TestOptimizeUsesCachedImage(t *testing.T) {
	dir := t.TempDir()
	cache := t.TempDir()
	path := writeTestBundle(t, dir, ClassDef{Name: "test/A"})

	b, err := optimize(path, cache)
	require.NoError(t, err)
	assert.Equal(t, "test/A", b.Classes[0].Name)
	assert.FileExists(t, imagePath(path, cache))

	// Same size and modification time: the image is trusted.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, WriteBundle(path, NewBundle(ClassDef{Name: "test/B"})))
	require.NoError(t, os.Chtimes(path, fi.ModTime(), fi.ModTime()))

	b, err = optimize(path, cache)
	require.NoError(t, err)
	assert.Equal(t, "test/A", b.Classes[0].Name)

	// A newer source replaces the image.
	later := fi.ModTime().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	b, err = optimize(path, cache)
	require.NoError(t, err)
	assert.Equal(t, "test/B", b.Classes[0].Name)
}

func TestImagePath(t *testing.T) {
	assert.Equal(t, "/cache/data@app@x.dvmb@classes.odex", imagePath("/data/app/x.dvmb", "/cache"))
}

func TestCheckOwner(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, checkOwner(dir))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.ErrorContains(t, checkOwner(file), "not a directory")

	assert.Error(t, checkOwner(filepath.Join(dir, "missing")))

	if os.Getuid() != 0 {
		assert.ErrorIs(t, checkOwner("/"), ErrCacheNotOwned)
	}
}

// newDexLoader builds a bundle class loader the way native code does.
func newDexLoader(t *testing.T, env jni.Env, bundle, cache string) jni.Object {
	t.Helper()
	fileClass := env.FindClass("java/io/File")
	fileInit := env.GetMethodID(fileClass, "<init>", "(Ljava/lang/String;)V")
	dir := env.NewObject(fileClass, fileInit, env.NewStringUTF(cache))
	require.NotNil(t, dir)

	loaderClass := env.FindClass("dalvik/system/BaseDexClassLoader")
	loaderInit := env.GetMethodID(loaderClass, "<init>", "(Ljava/lang/String;Ljava/io/File;Ljava/lang/String;Ljava/lang/ClassLoader;)V")
	getSystem := env.GetStaticMethodID(loaderClass, "getSystemClassLoader", "()Ljava/lang/ClassLoader;")
	require.NotNil(t, loaderInit)
	require.NotNil(t, getSystem)

	return env.NewObject(loaderClass, loaderInit, env.NewStringUTF(bundle), dir, nil,
		env.CallStaticObjectMethod(loaderClass, getSystem))
}

func TestDexClassLoader(t *testing.T) {
	vm, err := New(Options{})
	require.NoError(t, err)
	env := vm.Env()
	path := writeTestBundle(t, t.TempDir(), calcClass())

	loader := newDexLoader(t, env, path, t.TempDir())
	require.NotNil(t, loader)
	require.False(t, env.ExceptionCheck())
	assert.Equal(t, int64(1), vm.LoadersCreated())

	loadClass := env.GetMethodID(env.FindClass("java/lang/ClassLoader"), "loadClass", "(Ljava/lang/String;)Ljava/lang/Class;")
	require.NotNil(t, loadClass)

	c := env.CallObjectMethod(loader, loadClass, env.NewStringUTF("test.Calc"))
	require.NotNil(t, c)
	assert.False(t, c.(*Class).Initialized(), "loading does not initialize")
	assert.Same(t, c, vm.FindLoadedClass("Ltest/Calc;"))

	// Parent first.
	str := env.CallObjectMethod(loader, loadClass, env.NewStringUTF("java.lang.String"))
	assert.Same(t, env.FindClass("java/lang/String"), str)

	assert.Nil(t, env.CallObjectMethod(loader, loadClass, env.NewStringUTF("test.Missing")))
	assert.Equal(t, "java.lang.ClassNotFoundException: test.Missing", env.ExceptionDescribe())

	// The system class loader never saw the bundle.
	assert.Nil(t, env.FindClass("test/Calc"))
	env.ExceptionClear()
}

func TestDexClassLoaderBadCache(t *testing.T) {
	vm, err := New(Options{})
	require.NoError(t, err)
	env := vm.Env()
	dir := t.TempDir()
	path := writeTestBundle(t, dir, calcClass())

	loader := newDexLoader(t, env, path, path)
	assert.Nil(t, loader)
	assert.Contains(t, env.ExceptionDescribe(), "java.lang.IllegalArgumentException")
	assert.Equal(t, int64(1), vm.LoadersCreated())
}

func TestVerifyError(t *testing.T) {
	vm := newTestRuntime(t, ClassDef{
		Name: "test/Bad",
		Methods: []MethodDef{
			{Name: "underflow", Descriptor: "()V", Flags: AccStatic, Code: []Insn{{Op: OpPop}}},
			{Name: "runaway", Descriptor: "()V", Flags: AccStatic, Code: []Insn{{Op: OpNop}}},
		},
	})
	env := vm.Env()
	c := env.FindClass("test/Bad")

	env.CallStaticVoidMethod(c, env.GetStaticMethodID(c, "underflow", "()V"))
	assert.Equal(t, "java.lang.VerifyError: test.Bad.underflow()V: stack underflow", env.ExceptionDescribe())

	env.CallStaticVoidMethod(c, env.GetStaticMethodID(c, "runaway", "()V"))
	assert.Contains(t, env.ExceptionDescribe(), "fell off the end")
}
