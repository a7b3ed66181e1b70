package mrrb_test

import (
	"fmt"

	"github.com/drgolem/mrrb"
)

func Example() {
	// A reader that processes every slice as soon as it is published and
	// hands it straight back.
	var buf *mrrb.MRRB
	printer, _ := mrrb.NewReader("printer", mrrb.PolicyBlocking, func(h any, data []byte) {
		fmt.Printf("printer got %q\n", data)
		buf.ReadComplete(h)
	})

	buf, _ = mrrb.New(make([]byte, 64), []*mrrb.Reader{printer})
	buf.EnableReader(printer)

	n, _ := buf.Write([]byte("hello, readers"))
	fmt.Printf("wrote %d bytes\n", n)
	// Output:
	// printer got "hello, readers"
	// wrote 14 bytes
}

func ExampleNew() {
	drop, _ := mrrb.NewReader("drop", mrrb.PolicyBlocking, func(any, []byte) {})

	buf, _ := mrrb.New(make([]byte, 512), []*mrrb.Reader{drop})

	fmt.Printf("capacity: %d bytes\n", buf.Size())
	fmt.Printf("remaining: %d bytes\n", buf.RemainingSpace())
	// Output:
	// capacity: 512 bytes
	// remaining: 512 bytes
}

func ExampleMRRB_Write_truncation() {
	// A blocking reader that never completes caps every write at the
	// space it still allows.
	var buf *mrrb.MRRB
	slow, _ := mrrb.NewReader("slow", mrrb.PolicyBlocking, func(any, []byte) {})

	buf, _ = mrrb.New(make([]byte, 8), []*mrrb.Reader{slow})
	buf.EnableReader(slow)

	n, _ := buf.Write([]byte("0123456789"))
	fmt.Printf("accepted %d of 10\n", n)
	// Output:
	// accepted 8 of 10
}

func Example_multipleReaders() {
	// Both readers see the same stream; each drains at its own pace.
	var buf *mrrb.MRRB
	mk := func(name string) *mrrb.Reader {
		r, _ := mrrb.NewReader(name, mrrb.PolicyBlocking, func(h any, data []byte) {
			fmt.Printf("%s: %q\n", h, data)
			buf.ReadComplete(h)
		})
		return r
	}
	one, two := mk("one"), mk("two")

	buf, _ = mrrb.New(make([]byte, 32), []*mrrb.Reader{one, two})
	buf.EnableReader(one)
	buf.EnableReader(two)

	buf.Write([]byte("fan-out"))
	// Output:
	// one: "fan-out"
	// two: "fan-out"
}
