package server

// Request payloads

type RegisterDeviceRequest struct {
	Path   string  `json:"path"`
	Type   string  `json:"type" enum:"HDD,SATA SSD,NVMe SSD,USB"`
	Model  string  `json:"model"`
	Serial string  `json:"serial"`
	Size   string  `json:"size"`
	Status *string `json:"status,omitempty" enum:"Mounted,Unmounted,Protected"`
}

type SetDeviceStatusRequest struct {
	Status string `json:"status" enum:"Mounted,Unmounted,Protected"`
}

type FileTargetRequest struct {
	Name string  `json:"name"`
	Size *string `json:"size,omitempty"`
	Type *string `json:"type,omitempty"`
}

type CreateJobRequest struct {
	DeviceID     *string            `json:"device_id,omitempty"`
	File         *FileTargetRequest `json:"file,omitempty"`
	Policy       string             `json:"policy"`
	NotifyEmails []string           `json:"notify_emails,omitempty"`
}

type FailJobRequest struct {
	Message string `json:"message,omitempty"`
}

type SuggestPolicyRequest struct {
	DeviceType           string `json:"device_type" enum:"HDD,SATA SSD,NVMe SSD,USB"`
	SecurityRequirements string `json:"security_requirements"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id"`
	Name    *string  `json:"name,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the raw secret, returned exactly once.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func nonNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
