package syscalls

import "github.com/zboralski/seemu/internal/trace"

func osDefs() []Def {
	return []Def{
		{ID: 0x00000001, Name: "get_api_level", Category: trace.OS, Handler: getAPILevel},
		{ID: 0x00000002, Name: "halt", Category: trace.OS, Handler: halt},
		{ID: 0x01000003, Name: "os_sched_exit", Category: trace.OS, Handler: schedExit},
		{ID: 0x02000004, Name: "os_version", Category: trace.OS, Handler: osVersion},
		{ID: 0x00000005, Name: "os_get_ticks", Category: trace.OS, Handler: getTicks},
	}
}

func getAPILevel(c *Call) (uint32, error) {
	c.Log("level=%d", c.Env.Model.APILevel)
	return c.Env.Model.APILevel, nil
}

func halt(c *Call) (uint32, error) {
	return 0, &ExitError{}
}

func schedExit(c *Call) (uint32, error) {
	return 0, &ExitError{Code: c.Arg(0)}
}

// os_version(buf, maxlen) copies the version string without terminator.
func osVersion(c *Call) (uint32, error) {
	buf, maxLen := c.Arg(0), c.Arg(1)
	v := []byte(c.Env.Model.Version)
	if uint32(len(v)) > maxLen {
		v = v[:maxLen]
	}
	if err := c.Write(buf, v); err != nil {
		return 0, err
	}
	c.Log("buf=0x%x %q", buf, v)
	return uint32(len(v)), nil
}

func getTicks(c *Call) (uint32, error) {
	t := c.Env.IO.Ticks()
	c.Log("ticks=%d", t)
	return t, nil
}
