package mlog

import "fmt"

func sprintf(format string, v ...interface{}) string { return fmt.Sprintf(format, v...) }
func sprint(v ...interface{}) string                  { return fmt.Sprint(v...) }
