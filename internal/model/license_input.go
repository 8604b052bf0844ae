package model

// ActivateInput creates a key or replaces an existing one.
type ActivateInput struct {
	Key    string `json:"key" validate:"required,alphanum,max=128"`
	Months int    `json:"months" validate:"gte=0,lte=1200"`
}

type KeyInput struct {
	Key string `json:"key" validate:"required,alphanum,max=128"`
}

type ExtendInput struct {
	Key    string `json:"key" validate:"required,alphanum,max=128"`
	Months int    `json:"months" validate:"gt=0,lte=1200"`
}

type SuspendInput struct {
	Key   string `json:"key" validate:"required,alphanum,max=128"`
	Hours int    `json:"hours" validate:"gt=0,lte=87600"`
}

// CheckInput is the optional body protected software sends to /check/:key.
type CheckInput struct {
	DeviceID string `json:"device_id" validate:"max=512"`
	FilePath string `json:"file_path" validate:"max=4096"`
	FileHash string `json:"file_hash" validate:"max=512"`
}

type TokenInput struct {
	Secret string `json:"secret" validate:"required"`
}
