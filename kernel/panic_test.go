package kernel

import (
	"bytes"
	"testing"

	"novakernel/kernel/kfmt/early"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = func() {}
		haltOthersFn = func() {}
		early.SetOutput(nil)
	}()

	var cpuHaltCalled, othersHalted bool
	cpuHaltFn = func() { cpuHaltCalled = true }
	haltOthersFn = func() { othersHalted = true }

	var buf bytes.Buffer
	early.SetOutput(func(p []byte) (int, error) { return buf.Write(p) })

	t.Run("with error", func(t *testing.T) {
		buf.Reset()
		cpuHaltCalled, othersHalted = false, false

		Panic(&Error{Module: "test", Message: "panic test"})

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
		if !cpuHaltCalled {
			t.Fatal("expected cpu halt fn to be called by Panic")
		}
		if !othersHalted {
			t.Fatal("expected other CPUs to be halted before the local halt")
		}
	})

	t.Run("without error", func(t *testing.T) {
		buf.Reset()
		cpuHaltCalled = false

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
		if !cpuHaltCalled {
			t.Fatal("expected cpu halt fn to be called by Panic")
		}
	})
}
