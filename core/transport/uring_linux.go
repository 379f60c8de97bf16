//go:build linux

package transport

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring ABI (include/uapi/linux/io_uring.h)
const (
	uringOpPollAdd    = 6
	uringOpPollRemove = 7
	uringOpTimeout    = 11

	uringEnterGetEvents = 1 << 0
	uringFeatSingleMmap = 1 << 0

	uringOffSQRing = 0
	uringOffCQRing = 0x8000000
	uringOffSQEs   = 0x10000000

	uringEntries = 1024
)

// reserved user_data values; poll requests carry fd | generation<<32
const (
	uringTimeoutData = ^uint64(0)
	uringRemoveData  = ^uint64(0) - 1
)

type uringSQOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type uringCQOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        uringSQOffsets
	cqOff        uringCQOffsets
}

type uringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	pad         uint64
}

type uringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

// kernelTimespec is struct __kernel_timespec, 64-bit on every arch.
type kernelTimespec struct {
	sec  int64
	nsec int64
}

type uringSub struct {
	gen   uint32
	read  bool
	write bool
	armed bool
}

// UringPoller multiplexes readiness with one-shot IORING_OP_POLL_ADD
// requests. A completed poll is re-armed at the start of the next Wait, which
// gives level-triggered behaviour like the epoll poller.
type UringPoller struct {
	fd int

	sqRing []byte
	cqRing []byte
	sqeMem []byte
	single bool

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []uringSQE
	tail      uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []uringCQE

	gen   uint32
	subs  map[int]*uringSub
	rearm []int
	ts    kernelTimespec
}

func uringSetup(entries uint32, p *uringParams) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func uringEnter(fd int, toSubmit, minComplete, flags uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// uringSupported probes io_uring_setup. Kernels without the single mmap
// feature (before 5.4) also lack timeout requests and are rejected. Seccomp
// profiles that block io_uring make setup fail with EPERM.
func uringSupported() bool {
	var p uringParams
	fd, err := uringSetup(4, &p)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return p.features&uringFeatSingleMmap != 0
}

// NewUringPoller creates an io_uring instance and maps its rings
func NewUringPoller() (*UringPoller, error) {
	var p uringParams
	fd, err := uringSetup(uringEntries, &p)
	if err != nil {
		return nil, err
	}
	u := &UringPoller{fd: fd, subs: make(map[int]*uringSub)}

	sqSize := int(p.sqOff.array + p.sqEntries*4)
	cqSize := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(uringCQE{})))
	u.single = p.features&uringFeatSingleMmap != 0
	if u.single {
		sqSize = max(sqSize, cqSize)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED | unix.MAP_POPULATE
	if u.sqRing, err = unix.Mmap(fd, uringOffSQRing, sqSize, prot, flags); err != nil {
		u.Close()
		return nil, err
	}
	if u.single {
		u.cqRing = u.sqRing
	} else if u.cqRing, err = unix.Mmap(fd, uringOffCQRing, cqSize, prot, flags); err != nil {
		u.Close()
		return nil, err
	}
	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(uringSQE{}))
	if u.sqeMem, err = unix.Mmap(fd, uringOffSQEs, sqeSize, prot, flags); err != nil {
		u.Close()
		return nil, err
	}

	u.sqHead = (*uint32)(unsafe.Pointer(&u.sqRing[p.sqOff.head]))
	u.sqTail = (*uint32)(unsafe.Pointer(&u.sqRing[p.sqOff.tail]))
	u.sqMask = *(*uint32)(unsafe.Pointer(&u.sqRing[p.sqOff.ringMask]))
	u.sqEntries = p.sqEntries
	u.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&u.sqRing[p.sqOff.array])), p.sqEntries)
	u.sqes = unsafe.Slice((*uringSQE)(unsafe.Pointer(&u.sqeMem[0])), p.sqEntries)
	u.tail = atomic.LoadUint32(u.sqTail)

	u.cqHead = (*uint32)(unsafe.Pointer(&u.cqRing[p.cqOff.head]))
	u.cqTail = (*uint32)(unsafe.Pointer(&u.cqRing[p.cqOff.tail]))
	u.cqMask = *(*uint32)(unsafe.Pointer(&u.cqRing[p.cqOff.ringMask]))
	u.cqes = unsafe.Slice((*uringCQE)(unsafe.Pointer(&u.cqRing[p.cqOff.cqes])), p.cqEntries)
	return u, nil
}

// queue copies sqe into the submission ring. Entries are handed to the
// kernel by the next enter call.
func (u *UringPoller) queue(sqe uringSQE) error {
	if u.tail-atomic.LoadUint32(u.sqHead) >= u.sqEntries {
		if err := u.enter(0, 0); err != nil {
			return err
		}
		if u.tail-atomic.LoadUint32(u.sqHead) >= u.sqEntries {
			return unix.EBUSY
		}
	}
	idx := u.tail & u.sqMask
	u.sqes[idx] = sqe
	u.sqArray[idx] = idx
	u.tail++
	atomic.StoreUint32(u.sqTail, u.tail)
	return nil
}

func (u *UringPoller) enter(minComplete, flags uint32) error {
	toSubmit := u.tail - atomic.LoadUint32(u.sqHead)
	if toSubmit == 0 && minComplete == 0 {
		return nil
	}
	err := uringEnter(u.fd, toSubmit, minComplete, flags)
	if err == unix.EINTR || err == unix.ETIME {
		return nil
	}
	return err
}

func pollMask(read, write bool) uint32 {
	mask := uint32(unix.POLLERR | unix.POLLHUP)
	if read {
		mask |= unix.POLLIN | unix.POLLRDHUP
	}
	if write {
		mask |= unix.POLLOUT
	}
	return mask
}

func (u *UringPoller) arm(fd int, s *uringSub) error {
	u.gen++
	s.gen = u.gen
	s.armed = true
	return u.queue(uringSQE{
		opcode:   uringOpPollAdd,
		fd:       int32(fd),
		opFlags:  pollMask(s.read, s.write),
		userData: uint64(uint32(fd)) | uint64(s.gen)<<32,
	})
}

func (u *UringPoller) cancel(fd int, s *uringSub) error {
	if !s.armed {
		return nil
	}
	s.armed = false
	return u.queue(uringSQE{
		opcode:   uringOpPollRemove,
		fd:       -1,
		addr:     uint64(uint32(fd)) | uint64(s.gen)<<32,
		userData: uringRemoveData,
	})
}

// Add adds a file descriptor to the watch list
func (u *UringPoller) Add(fd int, read, write bool) error {
	s := &uringSub{read: read, write: write}
	u.subs[fd] = s
	return u.arm(fd, s)
}

// Modify changes the interest set of fd
func (u *UringPoller) Modify(fd int, read, write bool) error {
	s, ok := u.subs[fd]
	if !ok {
		return unix.ENOENT
	}
	if s.read == read && s.write == write {
		return nil
	}
	if err := u.cancel(fd, s); err != nil {
		return err
	}
	s.read, s.write = read, write
	return u.arm(fd, s)
}

// Remove removes a file descriptor from the watch list
func (u *UringPoller) Remove(fd int) error {
	s, ok := u.subs[fd]
	if !ok {
		return nil
	}
	delete(u.subs, fd)
	return u.cancel(fd, s)
}

// Wait waits for I/O events
func (u *UringPoller) Wait(timeout int, events []Event) (int, error) {
	for _, fd := range u.rearm {
		if s, ok := u.subs[fd]; ok && !s.armed {
			if err := u.arm(fd, s); err != nil {
				return 0, err
			}
		}
	}
	u.rearm = u.rearm[:0]

	if n := u.reap(events); n > 0 {
		return n, u.enter(0, 0)
	}

	var minComplete uint32
	if timeout != 0 {
		minComplete = 1
	}
	if timeout > 0 {
		u.ts = kernelTimespec{sec: int64(timeout / 1000), nsec: int64(timeout%1000) * 1e6}
		// off=1: the timer also completes as soon as any other request does
		err := u.queue(uringSQE{
			opcode:   uringOpTimeout,
			fd:       -1,
			addr:     uint64(uintptr(unsafe.Pointer(&u.ts))),
			len:      1,
			off:      1,
			userData: uringTimeoutData,
		})
		if err != nil {
			return 0, err
		}
	}
	if err := u.enter(minComplete, uringEnterGetEvents); err != nil {
		return 0, err
	}
	return u.reap(events), nil
}

func (u *UringPoller) reap(events []Event) int {
	head := atomic.LoadUint32(u.cqHead)
	tail := atomic.LoadUint32(u.cqTail)
	n := 0
	for head != tail && n < len(events) {
		cqe := u.cqes[head&u.cqMask]
		head++

		if cqe.userData == uringTimeoutData || cqe.userData == uringRemoveData {
			continue
		}
		fd := int(uint32(cqe.userData))
		s, ok := u.subs[fd]
		if !ok || s.gen != uint32(cqe.userData>>32) {
			// completion of a poll that was modified or removed since
			continue
		}
		s.armed = false
		if cqe.res == -int32(unix.ECANCELED) {
			continue
		}
		u.rearm = append(u.rearm, fd)

		if cqe.res < 0 {
			events[n] = Event{Fd: fd, Readable: true, Hangup: true}
			n++
			continue
		}
		mask := uint32(cqe.res)
		events[n] = Event{
			Fd:       fd,
			Readable: mask&(unix.POLLIN|unix.POLLRDHUP|unix.POLLHUP|unix.POLLERR) != 0,
			Writable: mask&(unix.POLLOUT|unix.POLLERR) != 0,
			Hangup:   mask&(unix.POLLHUP|unix.POLLERR) != 0,
		}
		n++
	}
	atomic.StoreUint32(u.cqHead, head)
	return n
}

// Close unmaps the rings and closes the ring fd
func (u *UringPoller) Close() error {
	if u.sqeMem != nil {
		unix.Munmap(u.sqeMem)
	}
	if u.cqRing != nil && !u.single {
		unix.Munmap(u.cqRing)
	}
	if u.sqRing != nil {
		unix.Munmap(u.sqRing)
	}
	u.sqRing, u.cqRing, u.sqeMem = nil, nil, nil
	return unix.Close(u.fd)
}
