package dvm

import (
	"github.com/scintill/rilinject/jni"
)

type bootClass struct {
	name    string
	super   string
	methods []MethodDef
	natives map[string]jni.NativeFunc
}

func native(name, desc string, flags uint32) MethodDef {
	return MethodDef{Name: name, Descriptor: desc, Flags: flags | AccNative}
}

// bootClasses are linked into every runtime, parents before children.
func (vm *Runtime) bootClasses() []bootClass {
	throwables := []bootClass{
		{name: "java/lang/Exception", super: "java/lang/Throwable"},
		{name: "java/lang/Error", super: "java/lang/Throwable"},
		{name: "java/lang/RuntimeException", super: "java/lang/Exception"},
		{name: "java/lang/ClassNotFoundException", super: "java/lang/Exception"},
		{name: "java/io/IOException", super: "java/lang/Exception"},
		{name: "java/lang/IllegalArgumentException", super: "java/lang/RuntimeException"},
		{name: "java/lang/IllegalStateException", super: "java/lang/RuntimeException"},
		{name: "java/lang/NullPointerException", super: "java/lang/RuntimeException"},
		{name: "java/lang/LinkageError", super: "java/lang/Error"},
		{name: "java/lang/NoClassDefFoundError", super: "java/lang/LinkageError"},
		{name: "java/lang/NoSuchMethodError", super: "java/lang/LinkageError"},
		{name: "java/lang/NoSuchFieldError", super: "java/lang/LinkageError"},
		{name: "java/lang/UnsatisfiedLinkError", super: "java/lang/LinkageError"},
		{name: "java/lang/VerifyError", super: "java/lang/LinkageError"},
		{name: "java/lang/AbstractMethodError", super: "java/lang/LinkageError"},
		{name: "java/lang/ExceptionInInitializerError", super: "java/lang/LinkageError"},
	}

	classes := []bootClass{
		{
			name: "java/lang/Object",
			methods: []MethodDef{{
				Name:       "<init>",
				Descriptor: "()V",
				Flags:      AccPublic | AccConstructor,
				Registers:  1,
				Code:       []Insn{{Op: OpReturnVoid}},
			}},
		},
		{name: "java/lang/String", super: "java/lang/Object"},
		{name: "java/lang/Class", super: "java/lang/Object"},
		{name: "[Ljava/lang/Object;", super: "java/lang/Object"},
		{
			name:  "java/lang/Throwable",
			super: "java/lang/Object",
			methods: []MethodDef{
				{Name: "<init>", Descriptor: "()V", Flags: AccPublic, Registers: 1, Code: []Insn{{Op: OpReturnVoid}}},
				native("<init>", "(Ljava/lang/String;)V", AccPublic),
				native("getMessage", "()Ljava/lang/String;", AccPublic),
			},
			natives: map[string]jni.NativeFunc{
				"<init>(Ljava/lang/String;)V":    vm.throwableInit,
				"getMessage()Ljava/lang/String;": vm.throwableMessage,
			},
		},
		{
			name:  "java/io/File",
			super: "java/lang/Object",
			methods: []MethodDef{
				native("<init>", "(Ljava/lang/String;)V", AccPublic),
				native("getPath", "()Ljava/lang/String;", AccPublic),
			},
			natives: map[string]jni.NativeFunc{
				"<init>(Ljava/lang/String;)V": vm.fileInit,
				"getPath()Ljava/lang/String;": vm.filePath,
			},
		},
		{
			name:  "java/lang/ClassLoader",
			super: "java/lang/Object",
			methods: []MethodDef{
				native("getSystemClassLoader", "()Ljava/lang/ClassLoader;", AccPublic|AccStatic),
				native("loadClass", "(Ljava/lang/String;)Ljava/lang/Class;", AccPublic),
			},
			natives: map[string]jni.NativeFunc{
				"getSystemClassLoader()Ljava/lang/ClassLoader;":  vm.systemClassLoader,
				"loadClass(Ljava/lang/String;)Ljava/lang/Class;": vm.loadClass,
			},
		},
		{
			name:  "dalvik/system/BaseDexClassLoader",
			super: "java/lang/ClassLoader",
			methods: []MethodDef{
				native("<init>", "(Ljava/lang/String;Ljava/io/File;Ljava/lang/String;Ljava/lang/ClassLoader;)V", AccPublic),
			},
			natives: map[string]jni.NativeFunc{
				"<init>(Ljava/lang/String;Ljava/io/File;Ljava/lang/String;Ljava/lang/ClassLoader;)V": vm.dexLoaderInit,
			},
		},
		{name: "dalvik/system/PathClassLoader", super: "dalvik/system/BaseDexClassLoader"},
	}
	return append(classes, throwables...)
}

func (vm *Runtime) bootstrap() error {
	for _, bc := range vm.bootClasses() {
		var super *Class
		if bc.super != "" {
			super = vm.boot[bc.super]
		}
		c := newClass(vm, bc.name, super, nil)
		for _, md := range bc.methods {
			m, err := linkMethod(c, md)
			if err != nil {
				return err
			}
			if fn, ok := bc.natives[md.Name+md.Descriptor]; ok {
				m.bindNative(fn)
			}
			c.methods = append(c.methods, m)
		}
		c.state = classInitialized
		vm.boot[bc.name] = c
		vm.loaded[bc.name] = c
	}
	return nil
}

func (vm *Runtime) throw(env jni.Env, name, message string) {
	env.ThrowNew(vm.mustClass(name), message)
}

func (vm *Runtime) throwableInit(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	msg, _ := stringValue(args[0])
	target.(*Object).setPayload(msg)
	return nil
}

func (vm *Runtime) throwableMessage(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	msg := target.(*Object).Message()
	if msg == "" {
		return nil
	}
	return vm.newString(msg)
}

func (vm *Runtime) fileInit(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	path, ok := stringValue(args[0])
	if !ok {
		vm.throw(env, "java/lang/NullPointerException", "path == null")
		return nil
	}
	target.(*Object).setPayload(path)
	return nil
}

func (vm *Runtime) filePath(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	path, _ := target.(*Object).payload().(string)
	return vm.newString(path)
}

func (vm *Runtime) systemClassLoader(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	return vm.system
}

func (vm *Runtime) loadClass(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	name, ok := stringValue(args[0])
	if !ok {
		vm.throw(env, "java/lang/NullPointerException", "name == null")
		return nil
	}
	c := vm.resolve(target.(*Object), className(name))
	if c == nil {
		vm.throw(env, "java/lang/ClassNotFoundException", name)
		return nil
	}
	return c
}

// dexLoaderInit constructs a class loader over one bundle, optimised into a
// cache directory.
func (vm *Runtime) dexLoaderInit(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	vm.loadersCreated.Add(1)

	bundlePath, ok := stringValue(args[0])
	if !ok {
		vm.throw(env, "java/lang/NullPointerException", "dexPath == null")
		return nil
	}
	dirObj, _ := args[1].(*Object)
	if dirObj == nil {
		vm.throw(env, "java/lang/IllegalArgumentException", "optimizedDirectory == null")
		return nil
	}
	cacheDir, _ := dirObj.payload().(string)

	var parent *Object
	if p, ok := args[3].(*Object); ok {
		parent = p
	}

	b, err := optimize(bundlePath, cacheDir)
	if err != nil {
		log.Errorf("unable to open %s: %s", bundlePath, err)
		vm.throw(env, "java/lang/IllegalArgumentException", err.Error())
		return nil
	}

	st := &loaderState{
		parent:  parent,
		defs:    make(map[string]ClassDef, len(b.Classes)),
		classes: make(map[string]*Class),
	}
	for _, def := range b.Classes {
		st.defs[def.Name] = def
	}
	target.(*Object).setPayload(st)
	log.Debugf("class loader for %s with %d classes", bundlePath, len(b.Classes))
	return nil
}
