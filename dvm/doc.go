// Package dvm is a small embeddable managed runtime reached through the jni
// interface. It loads class bundles, interprets their bytecode and exports the
// handful of internal entry points a method hook needs, laid out the way the
// legacy interpreter lays out its method structures.
//
// A Runtime is created in one of two families. The legacy family registers
// as libdvm.so and exports its internals; the ahead-of-time family registers
// as libart.so and exports only the VM enumeration entry point.
package dvm
