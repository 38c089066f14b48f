package syscalls

import (
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/trace"
)

func storageDefs() []Def {
	return []Def{
		{ID: 0x03000020, Name: "nvm_write", Category: trace.NVM, Handler: nvmWrite},
		{ID: 0x02000021, Name: "nvm_erase", Category: trace.NVM, Handler: nvmErase},
	}
}

// nvmOffset maps a guest NVM address range to an image offset. Ranges that
// leave the NVM window fault like a store to protected memory.
func nvmOffset(c *Call, addr, n uint32) (uint32, error) {
	if n > MaxBuffer {
		return 0, c.argError("length %d exceeds %d", n, MaxBuffer)
	}
	img := c.Env.NVM
	if img == nil {
		return 0, c.argError("profile has no nvm region")
	}
	base := c.Env.NVMBase
	if addr < base || uint64(addr)+uint64(n) > uint64(base)+uint64(img.Size()) {
		return 0, &mem.Fault{Addr: addr, Size: int(n), Access: mem.AccessWrite, Kind: mem.FaultProtected, Region: "nvm"}
	}
	return addr - base, nil
}

func nvmWrite(c *Call) (uint32, error) {
	dst, src, n := c.Arg(0), c.Arg(1), c.Arg(2)
	off, err := nvmOffset(c, dst, n)
	if err != nil {
		return 0, err
	}
	data, err := c.Read(src, n)
	if err != nil {
		return 0, err
	}
	c.Log("dst=0x%x src=0x%x len=%d", dst, src, n)
	return 0, c.Env.NVM.WriteAt(data, off)
}

func nvmErase(c *Call) (uint32, error) {
	dst, n := c.Arg(0), c.Arg(1)
	off, err := nvmOffset(c, dst, n)
	if err != nil {
		return 0, err
	}
	c.Log("dst=0x%x len=%d", dst, n)
	return 0, c.Env.NVM.Erase(off, int(n))
}
