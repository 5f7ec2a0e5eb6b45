// Package testmachine provides a deterministic, in-memory Machine used to
// drive Engine from package tests without a real simulator (spec.md §6
// excludes the simulator from the core; this is the test double that
// stands in for it).
package testmachine

import (
	"fmt"

	landslide "github.com/bblum/landslide-simics-sub000"
)

// bookmark is the state testmachine.Machine snapshots on BookmarkHere and
// restores on RewindTo: register file plus physical memory, copied so a
// later mutation of the live state can't corrupt a saved one.
type bookmark struct {
	registers map[landslide.Register]uint32
	physMem   map[uint32]byte
}

func (b bookmark) clone() bookmark {
	registers := make(map[landslide.Register]uint32, len(b.registers))
	for k, v := range b.registers {
		registers[k] = v
	}
	physMem := make(map[uint32]byte, len(b.physMem))
	for k, v := range b.physMem {
		physMem[k] = v
	}
	return bookmark{registers: registers, physMem: physMem}
}

// Call records one invocation of a Machine method with no other useful
// return value, for test assertions against the Engine's driving
// behavior (e.g. "did it inject a timer interrupt when switching away
// from thread 0").
type Call struct {
	Method string
	Arg    any
}

// Machine is a deterministic fake landslide.Machine. It is not safe for
// concurrent use, matching the engine's own single-threaded contract
// (spec.md §5).
type Machine struct {
	registers map[landslide.Register]uint32
	physMem   map[uint32]byte

	bookmarks map[landslide.BookmarkHandle]bookmark
	nextMark  int

	Calls    []Call
	QuitCode int
	Quit_    bool // set once Quit is called; exported awkwardly to avoid colliding with the Quit method
}

// New returns an empty Machine with a zeroed register file and no
// physical memory populated.
func New() *Machine {
	return &Machine{
		registers: make(map[landslide.Register]uint32),
		physMem:   make(map[uint32]byte),
		bookmarks: make(map[landslide.BookmarkHandle]bookmark),
	}
}

// SetRegister seeds the register file directly, bypassing the
// call-recording WriteRegister path, for test setup.
func (m *Machine) SetRegister(name landslide.Register, value uint32) {
	m.registers[name] = value
}

// SetMem seeds physical memory directly, for test setup.
func (m *Machine) SetMem(addr uint32, data []byte) {
	for i, b := range data {
		m.physMem[addr+uint32(i)] = b
	}
}

func (m *Machine) record(method string, arg any) {
	m.Calls = append(m.Calls, Call{Method: method, Arg: arg})
}

func (m *Machine) ReadRegister(name landslide.Register) (uint32, error) {
	return m.registers[name], nil
}

func (m *Machine) WriteRegister(name landslide.Register, value uint32) error {
	m.registers[name] = value
	return nil
}

func (m *Machine) ReadPhysMem(addr uint32, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		out[i] = m.physMem[addr+uint32(i)]
	}
	return out, nil
}

func (m *Machine) WritePhysMem(addr uint32, data []byte) error {
	m.SetMem(addr, data)
	return nil
}

func (m *Machine) ReadByte(va uint32) (byte, error) {
	return m.physMem[va], nil
}

func (m *Machine) InjectTimerInterrupt(immediate bool) error {
	m.record("InjectTimerInterrupt", immediate)
	return nil
}

func (m *Machine) InjectKeypress(ch byte) error {
	m.record("InjectKeypress", ch)
	return nil
}

func (m *Machine) DelayInstructionByOne() error {
	m.record("DelayInstructionByOne", nil)
	return nil
}

func (m *Machine) BookmarkHere() (landslide.BookmarkHandle, error) {
	m.nextMark++
	handle := m.nextMark
	m.bookmarks[handle] = bookmark{registers: m.registers, physMem: m.physMem}.clone()
	m.record("BookmarkHere", handle)
	return handle, nil
}

func (m *Machine) RewindTo(handle landslide.BookmarkHandle) error {
	b, ok := m.bookmarks[handle]
	if !ok {
		return fmt.Errorf("testmachine: unknown bookmark %v", handle)
	}
	m.registers = b.clone().registers
	m.physMem = b.clone().physMem
	m.record("RewindTo", handle)
	return nil
}

func (m *Machine) BreakSimulation() error {
	m.record("BreakSimulation", nil)
	return nil
}

// Quit records the exit code for test assertions (QuitCode/Quit_).
func (m *Machine) Quit(exitCode int) error {
	m.QuitCode = exitCode
	m.Quit_ = true
	m.record("Quit", exitCode)
	return nil
}
