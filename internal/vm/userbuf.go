package vm

import "vsta/internal/defs"

// pageBytes resolves vaddr to its backing page bytes and intra-page
// offset, faulting the page in (read-only) if it is not yet resident.
// This is the copyin/copyout primitive's core step; the "probe" longjmp
// design note (spec.md §9) becomes, in Go, an ordinary Err_t return from
// VasFault rather than an unwind — the same translation the teacher's own
// as.go makes (Userdmap8_inner returns ([]uint8, defs.Err_t), not a panic).
func (v *Vas) pageBytes(vaddr uintptr) ([]byte, int, defs.Err_t) {
	pv := v.FindPview(vaddr)
	if pv == nil {
		return nil, 0, defs.EFAULT
	}
	idx := int((vaddr-pv.vaddr)/defs.PageSize) + pv.off
	pv.pset.Unlock()
	resident := pv.pset.SlotFlags(idx)&defs.SlotV != 0

	if !resident {
		if err := VasFault(v, vaddr, false); err != defs.OK {
			return nil, 0, err
		}
		pv = v.FindPview(vaddr)
		if pv == nil {
			return nil, 0, defs.EFAULT
		}
		idx = int((vaddr-pv.vaddr)/defs.PageSize) + pv.off
		pv.pset.Unlock()
	}

	off := int(vaddr % defs.PageSize)
	return pv.pset.Bytes(idx), off, defs.OK
}

// Userbuf is the kernel-side cursor over a single contiguous user buffer,
// adapted from biscuit/src/vm/userbuf.go's Userbuf_t: ub_init becomes
// MkUserbuf, Uioread/Uiowrite keep their names and semantics.
type Userbuf struct {
	vas  *Vas
	base uintptr
	len  int
	off  int
}

// MkUserbuf constructs a Userbuf over [base, base+length) of vas.
func MkUserbuf(vas *Vas, base uintptr, length int) *Userbuf {
	return &Userbuf{vas: vas, base: base, len: length}
}

// Remain reports the number of bytes left to transfer.
func (u *Userbuf) Remain() int { return u.len - u.off }

// Totalsz reports the buffer's total length.
func (u *Userbuf) Totalsz() int { return u.len }

// Uioread copies from the user buffer into dst, advancing the cursor.
func (u *Userbuf) Uioread(dst []byte) (int, defs.Err_t) {
	n := 0
	for n < len(dst) && u.off < u.len {
		vaddr := u.base + uintptr(u.off)
		buf, pgoff, err := u.vas.pageBytes(vaddr)
		if err != defs.OK {
			return n, err
		}
		k := copy(dst[n:], buf[pgoff:])
		n += k
		u.off += k
	}
	return n, defs.OK
}

// Uiowrite copies from src into the user buffer, advancing the cursor and
// faulting each destination page in for write as needed.
func (u *Userbuf) Uiowrite(src []byte) (int, defs.Err_t) {
	n := 0
	for n < len(src) && u.off < u.len {
		vaddr := u.base + uintptr(u.off)
		if err := VasFault(u.vas, vaddr, true); err != defs.OK {
			return n, err
		}
		buf, pgoff, err := u.vas.pageBytes(vaddr)
		if err != defs.OK {
			return n, err
		}
		k := copy(buf[pgoff:], src[n:])
		n += k
		u.off += k
	}
	return n, defs.OK
}

// Userstr reads a NUL-terminated string from user space, up to max bytes,
// mirroring as.go's Userstr.
func (v *Vas) Userstr(vaddr uintptr, max int) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		b, pgoff, err := v.pageBytes(vaddr + uintptr(i))
		if err != defs.OK {
			return "", err
		}
		c := b[pgoff]
		if c == 0 {
			return string(buf), defs.OK
		}
		buf = append(buf, c)
	}
	return "", defs.ENAMETOOLONG
}
