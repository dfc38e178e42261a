// Package loader makes a class from an external bundle available to an
// attached runtime.
package loader

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/jni"
)

var log = commonlog.GetLogger("rilinject.loader")

var (
	// ErrConstruction means the bundle class loader could not be built.
	ErrConstruction = errors.New("unable to construct class loader")
	// ErrClassNotFound means the class loader does not know the class.
	ErrClassNotFound = errors.New("class not found")
	// ErrInitialization means the static initializer of the class failed.
	ErrInitialization = errors.New("class initialization failed")
)

const (
	fileClass        = "java/io/File"
	fileInit         = "(Ljava/lang/String;)V"
	dexLoaderClass   = "dalvik/system/BaseDexClassLoader"
	dexLoaderInit    = "(Ljava/lang/String;Ljava/io/File;Ljava/lang/String;Ljava/lang/ClassLoader;)V"
	systemLoaderSig  = "()Ljava/lang/ClassLoader;"
	loadClassSig     = "(Ljava/lang/String;)Ljava/lang/Class;"
	noSuchMethodName = "java/lang/NoSuchMethodError"
)

// Load returns the class slashName, as seen by the default lookup if possible
// and otherwise loaded as dotName by a new class loader over bundlePath whose
// optimised output goes to cacheDir. A class that had to be loaded from the
// bundle is initialized before Load returns.
//
// The returned reference is local; callers keeping it must pin it with
// NewGlobalRef. No exception is left pending on env.
func Load(env jni.Env, slashName, dotName, bundlePath, cacheDir string) (jni.Class, error) {
	if c := env.FindClass(slashName); c != nil {
		log.Debugf("%s is already visible", slashName)
		return c, nil
	}
	// Nothing else runs while the lookup failure is pending.
	env.ExceptionClear()

	dir, err := newFile(env, cacheDir)
	if err != nil {
		return nil, err
	}

	classLoader, err := newClassLoader(env, bundlePath, dir)
	if err != nil {
		return nil, err
	}

	loadClass := env.GetMethodID(env.GetObjectClass(classLoader), "loadClass", loadClassSig)
	if loadClass == nil {
		return nil, fmt.Errorf("%w: loadClass: %s", ErrConstruction, describe(env))
	}
	obj := env.CallObjectMethod(classLoader, loadClass, env.NewStringUTF(dotName))
	if env.ExceptionCheck() || obj == nil {
		log.Errorf("loadClass(%s) threw an exception", dotName)
		return nil, fmt.Errorf("%w: %s: %s", ErrClassNotFound, dotName, describe(env))
	}
	c := jni.Class(obj)

	if err := initialize(env, c); err != nil {
		return nil, fmt.Errorf("%s: %w", dotName, err)
	}
	log.Debugf("loaded %s from %s", dotName, bundlePath)
	return c, nil
}

func newFile(env jni.Env, path string) (jni.Object, error) {
	class := env.FindClass(fileClass)
	if class == nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrConstruction, fileClass, describe(env))
	}
	ctor := env.GetMethodID(class, "<init>", fileInit)
	if ctor == nil {
		return nil, fmt.Errorf("%w: %s.<init>: %s", ErrConstruction, fileClass, describe(env))
	}
	file := env.NewObject(class, ctor, env.NewStringUTF(path))
	if env.ExceptionCheck() || file == nil {
		log.Errorf("new File() threw an exception")
		return nil, fmt.Errorf("%w: cache directory %s: %s", ErrConstruction, path, describe(env))
	}
	return file, nil
}

// newClassLoader constructs a bundle class loader with no native library path
// and the system class loader as its parent.
func newClassLoader(env jni.Env, bundlePath string, dir jni.Object) (jni.Object, error) {
	class := env.FindClass(dexLoaderClass)
	if class == nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrConstruction, dexLoaderClass, describe(env))
	}
	ctor := env.GetMethodID(class, "<init>", dexLoaderInit)
	if ctor == nil {
		return nil, fmt.Errorf("%w: %s.<init>: %s", ErrConstruction, dexLoaderClass, describe(env))
	}
	getSystem := env.GetStaticMethodID(class, "getSystemClassLoader", systemLoaderSig)
	if getSystem == nil {
		return nil, fmt.Errorf("%w: getSystemClassLoader: %s", ErrConstruction, describe(env))
	}
	parent := env.CallStaticObjectMethod(class, getSystem)
	if env.ExceptionCheck() {
		return nil, fmt.Errorf("%w: getSystemClassLoader: %s", ErrConstruction, describe(env))
	}

	classLoader := env.NewObject(class, ctor, env.NewStringUTF(bundlePath), dir, nil, parent)
	if env.ExceptionCheck() || classLoader == nil {
		log.Errorf("class loader construction threw an exception")
		return nil, fmt.Errorf("%w: %s", ErrConstruction, describe(env))
	}
	return classLoader, nil
}

// initialize forces the static initializer of c to run. Loading a class does
// not do that, looking up its <clinit> does. A class without one raises
// NoSuchMethodError, which is expected.
func initialize(env jni.Env, c jni.Class) error {
	noSuchMethod := env.FindClass(noSuchMethodName)
	if noSuchMethod == nil {
		env.ExceptionClear()
	}

	if env.GetStaticMethodID(c, "<clinit>", "()V") != nil || !env.ExceptionCheck() {
		return nil
	}
	if noSuchMethod != nil && env.IsInstanceOf(env.ExceptionOccurred(), noSuchMethod) {
		env.ExceptionClear()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInitialization, describe(env))
}

// describe returns and clears the pending exception.
func describe(env jni.Env) string {
	if !env.ExceptionCheck() {
		return "no exception"
	}
	return env.ExceptionDescribe()
}
