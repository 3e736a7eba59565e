package cenc

// 解密结果状态码，单一返回值，不用 error
type Status int

const (
	Success Status = iota
	NotSupported
	KeyNotFound
	InvalidContainerData
	OutOfMemory
	UnknownError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NotSupported:
		return "NotSupported"
	case KeyNotFound:
		return "KeyNotFound"
	case InvalidContainerData:
		return "InvalidContainerData"
	case OutOfMemory:
		return "OutOfMemory"
	default:
		return "UnknownError"
	}
}

// CDM 返回的状态，和核心状态码分开
type DecryptStatus int

const (
	DecryptSuccess DecryptStatus = iota
	DecryptNotSupported
	DecryptKeyNotFound
	DecryptOther
)

// CDM 状态映射为核心状态
func mapDecryptStatus(ds DecryptStatus) Status {
	switch ds {
	case DecryptSuccess:
		return Success
	case DecryptNotSupported:
		return NotSupported
	case DecryptKeyNotFound:
		return KeyNotFound
	default:
		return UnknownError
	}
}
